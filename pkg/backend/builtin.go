package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

var defaultFormat = Format{Name: DefaultFormat, Description: "Plain query"}

func splitFormat(desc string) Format {
	return Format{Name: "split", Description: desc, Split: true}
}

// Splunk SPL (search). Không có regex trong biểu thức search.
func Splunk() *Profile {
	return &Profile{
		Name:          "splunk",
		Description:   "Splunk Search Processing Language",
		And:           " ",
		Or:            " OR ",
		Not:           "NOT {expr}",
		True:          "*",
		False:         "NOT *",
		Quote:         `"`,
		Escape:        `"\`,
		EscapeChar:    `\`,
		WildcardMulti: "*",
		// SPL không có wildcard một ký tự, và '*' trong chuỗi luôn là wildcard
		Unescapable: "*",
		Operators: map[string]string{
			KeyEquals:                 "{field}={value}",
			KeyEquals + casedSuffix:   "{field}=CASE({value})",
			KeyWildcard:               "{field}={value}",
			KeyWildcard + casedSuffix: "{field}=CASE({value})",
			KeyGt:                     "{field}>{value}",
			KeyGte:                    "{field}>={value}",
			KeyLt:                     "{field}<{value}",
			KeyLte:                    "{field}<={value}",
			KeyExists:                 "{field}=*",
			KeyNotExists:              "NOT {field}=*",
			KeyNull:                   "NOT {field}=*",
			KeyCIDR:                   "{field}={value}",
			KeyKeyword:                "{value}",
		},
		Lists: map[string]string{
			KeyEquals:   "{field} IN ({values})",
			KeyWildcard: "{field} IN ({values})",
		},
		Formats: []Format{
			defaultFormat,
			{Name: "savedsearches", Description: "savedsearches.conf stanza", Finish: savedSearch},
			splitFormat("One search per top-level OR alternative"),
		},
	}
}

func savedSearch(r *sigma.Rule, q string) (string, error) {
	title := r.Title
	if title == "" {
		title = r.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", title)
	if r.Description != "" {
		fmt.Fprintf(&b, "description = %s\n", strings.ReplaceAll(r.Description, "\n", " "))
	}
	fmt.Fprintf(&b, "search = %s", q)
	return b.String(), nil
}

// Lucene query string (Elasticsearch / OpenSearch).
func Lucene() *Profile {
	return &Profile{
		Name:           "lucene",
		Description:    "Lucene query string for Elasticsearch and OpenSearch",
		And:            " AND ",
		Or:             " OR ",
		Not:            "NOT {expr}",
		True:           "*:*",
		False:          "NOT *:*",
		Escape:         `+-=&|><!(){}[]^"~*?:\/ `,
		EscapeChar:     `\`,
		FieldEscape:    ` :`,
		WildcardMulti:  "*",
		WildcardSingle: "?",
		RegexQuote:     "/",
		RegexEscape:    "/",
		Operators: map[string]string{
			KeyEquals:    "{field}:{value}",
			KeyWildcard:  "{field}:{value}",
			KeyRegex:     "{field}:{value}",
			KeyGt:        "{field}:>{value}",
			KeyGte:       "{field}:>={value}",
			KeyLt:        "{field}:<{value}",
			KeyLte:       "{field}:<={value}",
			KeyExists:    "_exists_:{field}",
			KeyNotExists: "NOT _exists_:{field}",
			KeyNull:      "NOT _exists_:{field}",
			KeyCIDR:      "{field}:{value}",
			KeyKeyword:   "{value}",
		},
		Lists: map[string]string{
			KeyEquals:   "{field}:({values})",
			KeyWildcard: "{field}:({values})",
		},
		ListSep: " OR ",
		Formats: []Format{
			defaultFormat,
			{Name: "dsl", Description: "Elasticsearch query DSL with a query_string clause", Finish: luceneDSL},
			splitFormat("One query per top-level OR alternative"),
		},
	}
}

func luceneDSL(_ *sigma.Rule, q string) (string, error) {
	doc := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"query_string": map[string]any{
							"query":            q,
							"analyze_wildcard": true,
						},
					},
				},
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SQL theo kiểu MySQL: chuỗi trong "", LIKE cho wildcard, REGEXP cho regex.
func SQL() *Profile {
	return &Profile{
		Name:           "sql",
		Description:    "SQL WHERE clause (MySQL dialect)",
		And:            " AND ",
		Or:             " OR ",
		Not:            "NOT {expr}",
		True:           "1=1",
		False:          "1=0",
		Quote:          `"`,
		Escape:         `"\`,
		EscapeChar:     `\`,
		WildcardMulti:  "%",
		WildcardSingle: "_",
		PatternEscape:  "%_",
		RegexQuote:     `"`,
		RegexEscape:    `"\`,
		Operators: map[string]string{
			KeyEquals:    "{field}={value}",
			KeyWildcard:  "{field} LIKE {value}",
			KeyRegex:     "{field} REGEXP {value}",
			KeyGt:        "{field}>{value}",
			KeyGte:       "{field}>={value}",
			KeyLt:        "{field}<{value}",
			KeyLte:       "{field}<={value}",
			KeyExists:    "{field} IS NOT NULL",
			KeyNotExists: "{field} IS NULL",
			KeyNull:      "{field} IS NULL",
		},
		Lists: map[string]string{
			KeyEquals: "{field} IN ({values})",
		},
		Formats: []Format{
			defaultFormat,
			{Name: "query", Description: "Full SELECT statement, table named after the logsource category", Finish: sqlSelect},
		},
	}
}

func sqlSelect(r *sigma.Rule, q string) (string, error) {
	table := r.Logsource["category"]
	if table == "" {
		table = "events"
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", table, q), nil
}

// Kusto (KQL) cho Microsoft Defender / Sentinel. Không có wildcard: dùng matches regex.
func Kusto() *Profile {
	return &Profile{
		Name:          "kusto",
		Description:   "Kusto Query Language for Microsoft Defender and Sentinel",
		And:           " and ",
		Or:            " or ",
		Not:           "not({expr})",
		NotWrapsChild: true,
		True:          "true",
		False:         "false",
		Quote:         `"`,
		Escape:        `"\`,
		EscapeChar:    `\`,
		RegexQuote:    `"`,
		RegexEscape:   `"\`,
		Operators: map[string]string{
			KeyEquals:                   "{field} =~ {value}",
			KeyEquals + casedSuffix:     "{field} == {value}",
			KeyNumEquals:                "{field} == {value}",
			KeyBoolEquals:               "{field} == {value}",
			KeyContains:                 "{field} contains {value}",
			KeyContains + casedSuffix:   "{field} contains_cs {value}",
			KeyStartsWith:               "{field} startswith {value}",
			KeyStartsWith + casedSuffix: "{field} startswith_cs {value}",
			KeyEndsWith:                 "{field} endswith {value}",
			KeyEndsWith + casedSuffix:   "{field} endswith_cs {value}",
			KeyRegex:                    "{field} matches regex {value}",
			KeyGt:                       "{field} > {value}",
			KeyGte:                      "{field} >= {value}",
			KeyLt:                       "{field} < {value}",
			KeyLte:                      "{field} <= {value}",
			KeyExists:                   "isnotempty({field})",
			KeyNotExists:                "isempty({field})",
			KeyNull:                     "isnull({field})",
			KeyCIDR:                     "ipv4_is_in_range({field}, {value})",
			KeyKeyword:                  "* contains {value}",
		},
		Lists: map[string]string{
			KeyEquals:               "{field} in~ ({values})",
			KeyEquals + casedSuffix: "{field} in ({values})",
			KeyNumEquals:            "{field} in ({values})",
		},
		Formats: []Format{
			defaultFormat,
			{Name: "query", Description: "Query prefixed with the Defender table for the logsource category", Finish: kustoQuery},
			splitFormat("One query per top-level OR alternative"),
		},
	}
}

var kustoTables = map[string]string{
	"process_creation":   "DeviceProcessEvents",
	"network_connection": "DeviceNetworkEvents",
	"file_event":         "DeviceFileEvents",
	"image_load":         "DeviceImageLoadEvents",
	"registry_set":       "DeviceRegistryEvents",
	"registry_event":     "DeviceRegistryEvents",
	"dns_query":          "DeviceEvents",
}

func kustoQuery(r *sigma.Rule, q string) (string, error) {
	cat := r.Logsource["category"]
	table, ok := kustoTables[cat]
	if !ok {
		return "", failf("kusto", "no table for logsource category %q", cat)
	}
	return table + "\n| where " + q, nil
}

// Builtins trả về các profile dựng sẵn.
func Builtins() []*Profile {
	return []*Profile{Splunk(), Lucene(), SQL(), Kusto()}
}
