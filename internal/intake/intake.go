// Package intake turns prospect files (JSON, JSON lines, CSV and XLSX) into
// pending records.
package intake

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/model"
)

// Options configures how rows become records. ClientID, OrgID and
// CampaignID apply to rows that do not carry their own.
type Options struct {
	ClientID   string
	OrgID      string
	CampaignID string
	// Expected lists the fields completeness is measured against when a
	// row does not name its own.
	Expected []string

	// SheetName or SheetIndex selects the XLSX sheet.
	SheetName  string
	SheetIndex int

	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

const (
	colID         = "id"
	colClientID   = "client_id"
	colOrgID      = "org_id"
	colCampaignID = "campaign_id"
	colExpected   = "expected_fields"
	colFields     = "fields"
)

// Load reads path, choosing the parser by extension.
func Load(path string, opts Options) ([]*model.Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return LoadJSON(path, opts)
	case ".csv":
		return LoadCSV(path, opts)
	case ".xlsx":
		return ReadXLSX(path, opts)
	default:
		return nil, eris.Errorf("intake: unsupported file type %q", filepath.Ext(path))
	}
}

// builder accumulates records and rejects duplicate ids within one file.
type builder struct {
	opts Options
	now  time.Time
	seen map[string]int
	out  []*model.Record
}

func newBuilder(opts Options) *builder {
	return &builder{opts: opts, now: opts.now(), seen: make(map[string]int)}
}

// add builds one record from a flat row. Reserved keys set identity; every
// other non-empty value becomes an input field.
func (b *builder) add(row map[string]any, line int) error {
	str := func(key, fallback string) string {
		if v, ok := row[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	id := str(colID, "")
	if id == "" {
		id = uuid.NewString()
	}
	if prev, dup := b.seen[id]; dup {
		return eris.Errorf("intake: row %d: duplicate id %q (first seen on row %d)", line, id, prev)
	}

	clientID := str(colClientID, b.opts.ClientID)
	orgID := str(colOrgID, b.opts.OrgID)
	if clientID == "" || orgID == "" {
		return eris.Errorf("intake: row %d: client_id and org_id are required", line)
	}

	expected := b.opts.Expected
	if v, ok := row[colExpected]; ok {
		expected = toStrings(v)
	}

	fields := make(map[string]any, len(row))
	if nested, ok := row[colFields].(map[string]any); ok {
		for k, v := range nested {
			fields[normalizeKey(k)] = v
		}
	} else {
		for k, v := range row {
			switch k {
			case colID, colClientID, colOrgID, colCampaignID, colExpected:
				continue
			}
			fields[k] = v
		}
	}

	rec := model.NewRecord(id, clientID, orgID, fields, expected, b.now)
	rec.CampaignID = str(colCampaignID, b.opts.CampaignID)
	b.seen[id] = line
	b.out = append(b.out, rec)
	return nil
}

// normalizeKey maps a column header onto a field name: "Work Email" becomes
// "work_email".
func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.Join(strings.FieldsFunc(k, func(r rune) bool {
		return r == ' ' || r == '-' || r == '.' || r == '/'
	}), "_")
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' || r == '|' }) {
			if s = normalizeKey(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
