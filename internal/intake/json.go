package intake

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/model"
)

// LoadJSON reads prospects from a JSON file.
func LoadJSON(path string, opts Options) ([]*model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "json: open file")
	}
	defer f.Close() //nolint:errcheck
	return ReadJSON(f, opts)
}

// ReadJSON accepts either a JSON array of prospect objects or a stream of
// objects (JSON lines). An object either nests its input under "fields" or
// is flat, in which case every non-identity key is a field.
func ReadJSON(r io.Reader, opts Options) ([]*model.Record, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "json: read")
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()
	b := newBuilder(opts)

	if first == '[' {
		var rows []map[string]any
		if err := dec.Decode(&rows); err != nil {
			return nil, eris.Wrap(err, "json: decode array")
		}
		for i, row := range rows {
			if err := b.add(normalizeRow(row), i+1); err != nil {
				return nil, err
			}
		}
		return b.out, nil
	}

	for n := 1; ; n++ {
		var row map[string]any
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "json: decode object %d", n)
		}
		if err := b.add(normalizeRow(row), n); err != nil {
			return nil, err
		}
	}
	return b.out, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c, br.UnreadByte()
	}
}

// normalizeRow lower-cases keys and turns json.Number into float64 so
// numeric fields score and compare like numbers.
func normalizeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		key := normalizeKey(k)
		if key == colFields {
			if nested, ok := v.(map[string]any); ok {
				out[key] = normalizeRow(nested)
				continue
			}
		}
		out[key] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}
