// Package summary implements the bounded, chronologically merged clinical summary log.
//
// Everything here is pure: no I/O, no clock. Callers persist the returned log atomically.
package summary

import (
	"sort"

	"github.com/and161185/medconsent/internal/model"
)

// MaxEntries is the summary log bound N.
const MaxEntries = 10

// Less reports whether a sorts before b: newest ordering key first,
// ties broken by the most recent ingestion.
func Less(a, b model.SummaryEntry) bool {
	ka, kb := a.SortKey(), b.SortKey()
	if !ka.Equal(kb) {
		return ka.After(kb)
	}
	return a.RecordedAt.After(b.RecordedAt)
}

// Merge inserts entry into log by ordering key and truncates to MaxEntries.
// The input slice is never modified; a fully formed new slice is returned.
// On a complete tie the new entry is placed first.
func Merge(log []model.SummaryEntry, entry model.SummaryEntry) []model.SummaryEntry {
	out := make([]model.SummaryEntry, 0, len(log)+1)
	out = append(out, entry)
	out = append(out, log...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	if len(out) > MaxEntries {
		out = out[:MaxEntries:MaxEntries]
	}
	return out
}

// Apply merges entry into l and bumps the version. Re-applying an entry for a
// record that is already in the log returns l unchanged.
func Apply(l model.SummaryLog, entry model.SummaryEntry) model.SummaryLog {
	if l.Contains(entry.RecordID) {
		return l
	}
	return model.SummaryLog{
		PatientID: l.PatientID,
		Version:   l.Version + 1,
		Entries:   Merge(l.Entries, entry),
		UpdatedAt: entry.RecordedAt,
	}
}
