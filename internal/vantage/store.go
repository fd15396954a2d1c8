package vantage

import "sort"

// Store is an ordered sequence of archive records keyed by Datetime. It
// supports the sort and filter operations the archive downloader needs to
// materialize a lazy RecordStream into a deduplicated, ascending sequence;
// insertion order into a Store carries no meaning of its own.
type Store struct {
	records []ArchiveRecord
}

// NewStore builds a Store from an initial, possibly unsorted and
// overlapping, slice of records.
func NewStore(records []ArchiveRecord) *Store {
	return &Store{records: records}
}

// Add appends a record.
func (s *Store) Add(r ArchiveRecord) {
	s.records = append(s.records, r)
}

// Len reports the number of records currently held.
func (s *Store) Len() int {
	return len(s.records)
}

// Records returns the underlying slice. Callers must not retain it across a
// subsequent Dedup/SortByDatetime call.
func (s *Store) Records() []ArchiveRecord {
	return s.records
}

// SortByDatetime orders the store's records ascending by Datetime.
func (s *Store) SortByDatetime() {
	sort.Slice(s.records, func(i, j int) bool {
		return s.records[i].Datetime.Before(s.records[j].Datetime)
	})
}

// Dedup removes records sharing a Datetime with one already kept, then
// sorts the survivors ascending by Datetime. The console's ring buffer can
// return overlapping pages across retries; RecordStream does not dedup, so
// a caller collecting a download into a Store calls Dedup to collapse them.
func (s *Store) Dedup() {
	s.SortByDatetime()

	out := s.records[:0]
	var last *ArchiveRecord
	for i := range s.records {
		r := s.records[i]
		if last != nil && r.Datetime.Equal(last.Datetime) {
			continue
		}
		out = append(out, r)
		last = &out[len(out)-1]
	}
	s.records = out
}

// Filter keeps only records for which keep returns true.
func (s *Store) Filter(keep func(ArchiveRecord) bool) {
	out := s.records[:0]
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.records = out
}
