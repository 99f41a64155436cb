package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// consoleSink prints operation output and forwards it to next.
type consoleSink struct {
	out  io.Writer
	next engine.ProgressSink
}

func newConsoleSink(opts *globalOptions, next engine.ProgressSink) *consoleSink {
	out := io.Writer(os.Stdout)
	if opts.jsonOutput {
		// Keep stdout parseable.
		out = os.Stderr
	}
	return &consoleSink{out: out, next: engine.SinkOrNop(next)}
}

func (s *consoleSink) Line(line string) {
	fmt.Fprintf(s.out, "  %s\n", line)
	s.next.Line(line)
}

func (s *consoleSink) Progress(index, total int, stepName string) {
	fmt.Fprintf(s.out, "[%d/%d] %s\n", index, total, stepName)
	s.next.Progress(index, total, stepName)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseSet turns repeated key=value flags into a map.
func parseSet(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set value %q, expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
