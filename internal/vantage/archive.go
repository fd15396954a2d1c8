package vantage

import (
	"time"

	"github.com/google/uuid"
)

// defaultDownloadStart is used when DownloadArchive's start bound is nil: the
// console's own memory only goes back so far, so an old floor date pulls
// everything the ring buffer still holds.
var defaultDownloadStart = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// RecordStream is the lazy producer returned by DownloadArchive. Records
// are decoded from the console's ring buffer page by page as Next is
// called; Close emits ESC and is safe to call more than once, including
// after the stream has been drained naturally.
type RecordStream struct {
	console   *Console
	sessionID string
	start     time.Time
	stop      time.Time

	pagesRemaining uint16
	queue          []ArchiveRecord
	qIdx           int

	cancelling bool
	escSent    bool
	closed     bool

	step       int
	progressFn func(step int)

	record ArchiveRecord
	err    error
}

// SessionID identifies this download for logging and progress reporting.
func (s *RecordStream) SessionID() string { return s.sessionID }

// Record returns the record most recently produced by Next.
func (s *RecordStream) Record() ArchiveRecord { return s.record }

// Err returns the error, if any, that stopped the stream.
func (s *RecordStream) Err() error { return s.err }

// Next advances the stream and reports whether a record is available via
// Record. It returns false at end of stream or on error; callers must
// check Err to distinguish the two.
func (s *RecordStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	for {
		if s.qIdx < len(s.queue) {
			s.record = s.queue[s.qIdx]
			s.qIdx++
			return true
		}
		if s.cancelling || s.pagesRemaining == 0 {
			return false
		}
		s.queue = s.queue[:0]
		s.qIdx = 0
		if err := s.loadNextPage(); err != nil {
			s.err = err
			s.sendESC()
			return false
		}
	}
}

// loadNextPage reads one 267-byte page (retrying on length mismatch or bad
// CRC up to 3 times with a NAK between attempts), decodes its five records
// into the window, and either ACKs for the next page or begins graceful
// cancellation once a sentinel or past-stop record is seen.
func (s *RecordStream) loadNextPage() error {
	c := s.console

	var page *DmpPage
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		buf := make([]byte, dmpPageLen)
		n, err := c.tr.Read(buf, c.cmdTimeout)
		switch {
		case err != nil:
			lastErr = newError(TransportError, "DownloadArchive page", err)
		case n != dmpPageLen:
			lastErr = newError(MalformedFrame, "DownloadArchive page", nil)
		default:
			p, derr := DecodeDmpPage(buf)
			if derr != nil {
				lastErr = derr
			} else {
				page, lastErr = p, nil
			}
		}
		if lastErr == nil {
			break
		}
		c.debugf("DMPAFT page attempt %d/3 failed: %v", attempt, lastErr)
		if attempt < 3 {
			c.tr.Write([]byte{tokenNak})
			time.Sleep(c.pageRetryDelay)
		}
	}
	if page == nil {
		return lastErr
	}

	for _, recBuf := range page.Records {
		s.step++
		if s.progressFn != nil {
			s.progressFn(s.step)
		}

		rec, present, err := DecodeArchiveRecord(recBuf)
		if err != nil {
			return err
		}
		if !present || rec.Datetime.After(s.stop) {
			s.cancelling = true
			break
		}
		if rec.Datetime.After(s.start) {
			s.queue = append(s.queue, *rec)
		}
	}

	s.pagesRemaining--
	if s.cancelling {
		s.sendESC()
	} else if s.pagesRemaining > 0 {
		c.tr.Write(ackBytes)
	}
	return nil
}

func (s *RecordStream) sendESC() {
	if s.escSent {
		return
	}
	s.escSent = true
	s.console.tr.Write([]byte{tokenEsc})
}

// Close ends the download, emitting ESC if the console has not already
// been told to stop. Safe to call more than once.
func (s *RecordStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.sendESC()
	return nil
}

// DownloadArchive starts a DMP-After download of every archive record with
// a timestamp strictly after start (or the console's earliest retained
// record, when start is nil) up to and including stop (or now, when stop
// is nil). The returned stream is lazy: no page beyond the header is read
// until Next is called. progress, if non-nil, is invoked with a running
// count of records scanned (including ones dropped by the window).
func (c *Console) DownloadArchive(start, stop *time.Time, progress func(step int)) (*RecordStream, error) {
	startT := defaultDownloadStart
	if start != nil {
		startT = *start
	}
	stopT := time.Now()
	if stop != nil {
		stopT = *stop
	}

	if err := c.wakeUp(); err != nil {
		return nil, err
	}

	period, err := c.ArchivePeriod()
	if err != nil {
		return nil, err
	}
	if period > 0 {
		if mod := startT.Minute() % int(period); mod != 0 {
			startT = startT.Add(-time.Duration(mod) * time.Minute)
		}
	}

	if err := c.send("DMPAFT", []byte("DMPAFT"), true, ackBytes, c.cmdTimeout); err != nil {
		return nil, err
	}

	selector := EncodeDmpSelector(startT)
	ackTimeout := 2 * c.cmdTimeout
	if err := c.send("DMPAFT selector", selector, false, ackBytes, ackTimeout); err != nil {
		return nil, err
	}

	headerBuf := make([]byte, dmpHeaderLen)
	n, err := c.tr.Read(headerBuf, c.cmdTimeout)
	if err != nil {
		return nil, newError(TransportError, "DownloadArchive header", err)
	}
	if n != dmpHeaderLen {
		return nil, newError(MalformedFrame, "DownloadArchive header", nil)
	}
	header, err := DecodeDmpHeader(headerBuf)
	if err != nil {
		c.tr.Write([]byte{tokenCancel})
		return nil, err
	}

	if _, err := c.tr.Write(ackBytes); err != nil {
		return nil, newError(TransportError, "DownloadArchive header ack", err)
	}

	return &RecordStream{
		console:        c,
		sessionID:      uuid.New().String(),
		start:          startT,
		stop:           stopT,
		pagesRemaining: header.Pages,
		progressFn:     progress,
	}, nil
}
