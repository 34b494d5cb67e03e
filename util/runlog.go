package util

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Stat is one named smoothed value reported at the end of an epoch.
type Stat struct {
	Name  string
	Value float64
}

type Stats []Stat

func (s Stats) String() string {
	parts := make([]string, len(s))
	for i, st := range s {
		parts[i] = fmt.Sprintf("'%s': %v", st.Name, st.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Get returns the value stored under name.
func (s Stats) Get(name string) (float64, bool) {
	for _, st := range s {
		if st.Name == name {
			return st.Value, true
		}
	}
	return 0, false
}

// RunLog is the plain-text options.txt kept next to the checkpoints: the
// options dump written at start, then one line per finished epoch.
type RunLog struct {
	path string
}

// CreateRunLog truncates path and writes the start banner and options table.
func CreateRunLog(path string, start time.Time, options string) (*RunLog, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "\nTraining start time: %s \n\n", start.Format("2006-01-02 15:04:05.000000"))
	b.WriteString(options)
	b.WriteString("\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write run log: %w", err)
	}
	Logger.Print(options)
	return &RunLog{path: path}, nil
}

func (r *RunLog) Path() string {
	return r.path
}

// Epoch appends the summary line of a finished epoch.
func (r *RunLog) Epoch(epoch int, elapsed time.Duration, losses, scores Stats) error {
	secs := int(elapsed.Seconds())
	Logger.Printf("epoch %d finished, cost time %ds.", epoch, secs)
	Logger.Println(losses)
	Logger.Println(scores)

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	if epoch == 0 {
		fmt.Fprintf(&b, "Each epoch cost about %ds.\n", secs)
	}
	fmt.Fprintf(&b, "epoch %d %s %s\n", epoch, losses, scores)
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}
