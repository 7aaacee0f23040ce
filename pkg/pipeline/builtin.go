package pipeline

import "github.com/PhucNguyen204/sigconv/pkg/sigma"

// eventIDBlock tạo block "<name>: {EventID: id}" dùng cho insert-detection.
func eventIDBlock(name string, id int64) *sigma.DetectionBlock {
	return &sigma.DetectionBlock{
		Name:   name,
		Groups: []sigma.MatchGroup{{{Field: "EventID", Op: sigma.OpEquals, Value: sigma.Int(id)}}},
	}
}

// eventFilter: thêm block EventID cho một category và AND nó vào condition.
func eventFilter(category, product string, id int64) []Transformation {
	ls := map[string]string{"category": category, "product": product}
	name := "_" + category + "_eventid"
	return []Transformation{
		{
			ID:        category + "_eventid",
			Action:    ActionInsertDetection,
			Logsource: ls,
			Block:     eventIDBlock(name, id),
		},
		{
			ID:        category + "_eventid_wrap",
			Action:    ActionWrapCondition,
			Logsource: ls,
			Wrap:      Wrap{Operator: "and", Ref: name},
		},
	}
}

func concat(groups ...[]Transformation) []Transformation {
	var out []Transformation
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func sysmonStage() *Stage {
	return MustStage("sysmon", "Sysmon event ids for generic Windows log sources", nil,
		concat(
			eventFilter("process_creation", "windows", 1),
			eventFilter("network_connection", "windows", 3),
			eventFilter("image_load", "windows", 7),
			eventFilter("file_event", "windows", 11),
			eventFilter("registry_set", "windows", 13),
			eventFilter("dns_query", "windows", 22),
		)...)
}

func windowsAuditStage() *Stage {
	return MustStage("windows-audit", "Windows Security auditing (4688 process creation) field names", nil,
		concat(
			[]Transformation{{
				ID:        "audit_process_fields",
				Action:    ActionRenameField,
				Logsource: map[string]string{"category": "process_creation", "product": "windows"},
				Mapping: map[string]string{
					"Image":       "NewProcessName",
					"ParentImage": "ParentProcessName",
					"User":        "SubjectUserName",
					"ProcessId":   "NewProcessId",
				},
			}},
			eventFilter("process_creation", "windows", 4688),
		)...)
}

func ecsWindowsStage() *Stage {
	return MustStage("ecs-windows", "Elastic Common Schema field names for Windows events", []string{"lucene"},
		Transformation{
			ID:     "ecs_fields",
			Action: ActionRenameField,
			Mapping: map[string]string{
				"EventID":           "event.code",
				"Image":             "process.executable",
				"CommandLine":       "process.command_line",
				"OriginalFileName":  "process.pe.original_file_name",
				"ProcessId":         "process.pid",
				"ParentImage":       "process.parent.executable",
				"ParentCommandLine": "process.parent.command_line",
				"User":              "user.name",
				"DestinationIp":     "destination.ip",
				"DestinationPort":   "destination.port",
				"SourceIp":          "source.ip",
				"SourcePort":        "source.port",
				"TargetFilename":    "file.path",
				"QueryName":         "dns.question.name",
			},
		},
	)
}

func splunkCIMStage() *Stage {
	return MustStage("splunk-cim", "Splunk CIM Endpoint and Network data model field names", []string{"splunk"},
		Transformation{
			ID:     "cim_fields",
			Action: ActionRenameField,
			Mapping: map[string]string{
				"EventID":           "signature_id",
				"Image":             "process_path",
				"CommandLine":       "process",
				"ProcessId":         "process_id",
				"ParentImage":       "parent_process_path",
				"ParentCommandLine": "parent_process",
				"User":              "user",
				"DestinationIp":     "dest_ip",
				"DestinationPort":   "dest_port",
				"SourceIp":          "src_ip",
				"SourcePort":        "src_port",
				"TargetFilename":    "file_path",
			},
		},
		Transformation{
			ID:     "cim_initiated",
			Action: ActionMapValue,
			Fields: []string{"direction"},
			Values: []ValueMapping{
				{From: "true", To: []string{"outbound"}},
				{From: "false", To: []string{"inbound"}},
			},
		},
		Transformation{
			ID:      "cim_direction",
			Action:  ActionRenameField,
			Mapping: map[string]string{"Initiated": "direction"},
		},
	)
}

func sqlProcessTableStage() *Stage {
	return MustStage("sql-process-table", "Snake-case column names of a process_events table", []string{"sql"},
		Transformation{
			ID:     "sql_columns",
			Action: ActionRenameField,
			Mapping: map[string]string{
				"EventID":           "event_id",
				"Image":             "image",
				"CommandLine":       "command_line",
				"OriginalFileName":  "original_file_name",
				"ProcessId":         "process_id",
				"ParentImage":       "parent_image",
				"ParentCommandLine": "parent_command_line",
				"User":              "user_name",
				"DestinationIp":     "dst_ip",
				"DestinationPort":   "dst_port",
			},
		},
	)
}

func kustoDeviceEventsStage() *Stage {
	return MustStage("kusto-device-events", "Microsoft Defender Device*Events column names", []string{"kusto"},
		Transformation{
			ID:     "defender_columns",
			Action: ActionRenameField,
			Mapping: map[string]string{
				"Image":               "FolderPath",
				"CommandLine":         "ProcessCommandLine",
				"OriginalFileName":    "ProcessVersionInfoOriginalFileName",
				"ProcessId":           "ProcessId",
				"ParentImage":         "InitiatingProcessFolderPath",
				"ParentCommandLine":   "InitiatingProcessCommandLine",
				"User":                "AccountName",
				"DestinationIp":       "RemoteIP",
				"DestinationPort":     "RemotePort",
				"DestinationHostname": "RemoteUrl",
			},
		},
		// Defender không có EventID; bỏ các block chỉ lọc theo EventID.
		Transformation{
			ID:     "defender_drop_eventid",
			Action: ActionDropDetection,
			Fields: []string{"EventID"},
			Blocks: []string{"_*_eventid"},
		},
	)
}

// Builtins trả về các stage dựng sẵn, theo thứ tự tên.
func Builtins() []*Stage {
	return []*Stage{
		ecsWindowsStage(),
		kustoDeviceEventsStage(),
		splunkCIMStage(),
		sqlProcessTableStage(),
		sysmonStage(),
		windowsAuditStage(),
	}
}
