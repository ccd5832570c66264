package notifier

import (
	"fmt"
	"hash/fnv"
	"strings"

	"taxiflow/internal/eventbus"
)

// FormatEvent renders a run or asset event as an alert. The key groups
// repeats of the same failure of the same job partition.
func FormatEvent(e eventbus.Event) (Alert, bool) {
	switch d := e.Data.(type) {
	case eventbus.RunEvent:
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s", runIcon(e.Type), d.Job)
		if d.Partition != "" {
			fmt.Fprintf(&b, " [%s]", d.Partition)
		}
		fmt.Fprintf(&b, ": %s\nrun %s", strings.TrimPrefix(e.Type, "run."), d.RunID)
		if d.Trigger != "" {
			fmt.Fprintf(&b, " (%s)", d.Trigger)
		}
		if d.Error != "" {
			fmt.Fprintf(&b, "\n%s", d.Error)
		}
		return Alert{Key: alertKey(e.Type, d.Job, d.Partition, d.Error), Text: b.String()}, true
	case eventbus.AssetEvent:
		text := fmt.Sprintf("%s asset %s", strings.TrimPrefix(e.Type, "asset."), d.Asset)
		if d.Partition != "" {
			text += " [" + d.Partition + "]"
		}
		if d.Error != "" {
			text += "\n" + d.Error
		}
		return Alert{Key: alertKey(e.Type, d.Asset, d.Partition, d.Error), Text: text}, true
	}
	return Alert{}, false
}

func runIcon(t string) string {
	switch t {
	case eventbus.RunFailed:
		return "🚨"
	case eventbus.RunSkipped:
		return "⚠️"
	case eventbus.RunSucceeded:
		return "✅"
	}
	return "ℹ️"
}

func alertKey(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{'|'})
	}
	return fmt.Sprintf("%x", h.Sum64())
}
