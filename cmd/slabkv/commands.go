package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/KevoDB/slabkv/pkg/engine"
	"github.com/KevoDB/slabkv/pkg/entry"
)

// store is what the shell drives: a local engine or a remote client
type store interface {
	BulkPut(ctx context.Context, entries []entry.Entry) error
	GetBatch(ctx context.Context, keys []entry.Key) ([]engine.Lookup, error)
	BulkDelete(ctx context.Context, keys []entry.Key) error
	Range(ctx context.Context, from, to entry.Key) ([]entry.Entry, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
	Checksum(ctx context.Context) (uint64, error)
}

// localStore adapts an in-process engine to the shell
type localStore struct {
	eng *engine.Engine
}

func (s localStore) BulkPut(ctx context.Context, entries []entry.Entry) error {
	return s.eng.BulkPut(ctx, entries)
}

func (s localStore) GetBatch(ctx context.Context, keys []entry.Key) ([]engine.Lookup, error) {
	return s.eng.BulkGet(ctx, keys)
}

func (s localStore) BulkDelete(ctx context.Context, keys []entry.Key) error {
	return s.eng.BulkDelete(ctx, keys)
}

func (s localStore) Range(ctx context.Context, from, to entry.Key) ([]entry.Entry, error) {
	return s.eng.Range(ctx, from, to)
}

func (s localStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
	return s.eng.GetStats(), nil
}

func (s localStore) Checksum(ctx context.Context) (uint64, error) {
	return s.eng.Checksum(ctx)
}

const helpText = `
slabkv - a batch-oriented key-value store over a compute device.

Keys and values are unsigned 32-bit integers (decimal or 0x hex).
The value 0xFFFFFFFF is reserved and cannot be stored.

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program
  .stats                  - Show store statistics
  .checksum               - Show the checksum of all live entries

  PUT key value           - Store a key-value pair
  MPUT k=v [k=v ...]      - Store several pairs in one batch
  GET key                 - Retrieve a value by key
  MGET key [key ...]      - Retrieve several values in one batch
  DELETE key [key ...]    - Delete keys (absent keys are ignored)

  SCAN                    - Scan all live entries with key < 0xFFFFFFFF
  SCAN RANGE start end    - Scan live entries with start <= key < end
`

var errUsage = errors.New("usage")

// execute runs one shell line against st. It reports whether the shell should exit.
func execute(ctx context.Context, st store, line string, out io.Writer) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(out, helpText)
		case ".exit":
			return true, nil
		case ".stats":
			stats, err := st.GetStats(ctx)
			if err != nil {
				return false, err
			}
			printStats(out, stats, "")
		case ".checksum":
			sum, err := st.Checksum(ctx)
			if err != nil {
				return false, err
			}
			fmt.Fprintf(out, "%016x\n", sum)
		default:
			return false, fmt.Errorf("unknown command: %s", parts[0])
		}
		return false, nil
	}

	switch cmd {
	case "PUT":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: PUT key value", errUsage)
		}
		e, err := parseEntry(args[0], args[1])
		if err != nil {
			return false, err
		}
		if err := st.BulkPut(ctx, []entry.Entry{e}); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")

	case "MPUT":
		if len(args) == 0 {
			return false, fmt.Errorf("%w: MPUT k=v [k=v ...]", errUsage)
		}
		entries := make([]entry.Entry, 0, len(args))
		for _, arg := range args {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return false, fmt.Errorf("%w: expected key=value, got %q", errUsage, arg)
			}
			e, err := parseEntry(k, v)
			if err != nil {
				return false, err
			}
			entries = append(entries, e)
		}
		if err := st.BulkPut(ctx, entries); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "OK (%d entries)\n", len(entries))

	case "GET", "MGET":
		if len(args) == 0 || (cmd == "GET" && len(args) != 1) {
			return false, fmt.Errorf("%w: %s key", errUsage, cmd)
		}
		keys, err := parseKeys(args)
		if err != nil {
			return false, err
		}
		results, err := st.GetBatch(ctx, keys)
		if err != nil {
			return false, err
		}
		for i, r := range results {
			prefix := ""
			if cmd == "MGET" {
				prefix = fmt.Sprintf("%d: ", keys[i])
			}
			if r.Found {
				fmt.Fprintf(out, "%s%d\n", prefix, r.Value)
			} else {
				fmt.Fprintf(out, "%s(not found)\n", prefix)
			}
		}

	case "DELETE":
		if len(args) == 0 {
			return false, fmt.Errorf("%w: DELETE key [key ...]", errUsage)
		}
		keys, err := parseKeys(args)
		if err != nil {
			return false, err
		}
		if err := st.BulkDelete(ctx, keys); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")

	case "SCAN":
		from, to := entry.Key(0), entry.Key(math.MaxUint32)
		if len(args) > 0 {
			if len(args) != 3 || strings.ToUpper(args[0]) != "RANGE" {
				return false, fmt.Errorf("%w: SCAN [RANGE start end]", errUsage)
			}
			keys, err := parseKeys(args[1:])
			if err != nil {
				return false, err
			}
			from, to = keys[0], keys[1]
		}
		entries, err := st.Range(ctx, from, to)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%d: %d\n", e.Key, e.Value)
		}
		fmt.Fprintf(out, "%d entries found\n", len(entries))

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
	return false, nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(n), nil
}

func parseEntry(k, v string) (entry.Entry, error) {
	key, err := parseUint32(k)
	if err != nil {
		return entry.Entry{}, err
	}
	value, err := parseUint32(v)
	if err != nil {
		return entry.Entry{}, err
	}
	return entry.New(entry.Key(key), entry.Value(value))
}

func parseKeys(args []string) ([]entry.Key, error) {
	keys := make([]entry.Key, len(args))
	for i, arg := range args {
		k, err := parseUint32(arg)
		if err != nil {
			return nil, err
		}
		keys[i] = entry.Key(k)
	}
	return keys, nil
}

// printStats writes stats sorted by key, nesting maps one level deeper
func printStats(out io.Writer, stats map[string]interface{}, indent string) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := stats[k].(type) {
		case map[string]interface{}:
			fmt.Fprintf(out, "%s%s:\n", indent, k)
			printStats(out, v, indent+"  ")
		case map[string]uint64:
			fmt.Fprintf(out, "%s%s:\n", indent, k)
			nested := make(map[string]interface{}, len(v))
			for nk, nv := range v {
				nested[nk] = nv
			}
			printStats(out, nested, indent+"  ")
		default:
			fmt.Fprintf(out, "%s%s: %v\n", indent, k, v)
		}
	}
}
