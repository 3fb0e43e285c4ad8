package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"nvr-engine/database"
	"nvr-engine/logging"
	"nvr-engine/storage"

	"github.com/rs/zerolog"
)

// ErrInvalidDate is returned for a date filter not in YYYY-MM-DD form
var ErrInvalidDate = errors.New("invalid date")

const dateLayout = "2006-01-02"

// PassLocker serializes inventory mutations with reconciliation passes.
// *storage.Reconciler implements it.
type PassLocker interface {
	Exclusive(ctx context.Context, fn func(context.Context) error) error
}

// RecordingService is the read and purge surface over the inventory
type RecordingService struct {
	db     database.Database
	locker PassLocker
	loc    *time.Location
	log    zerolog.Logger
}

// NewRecordingService creates a recording service. Dates are interpreted in loc (time.Local when nil).
func NewRecordingService(db database.Database, locker PassLocker, loc *time.Location) *RecordingService {
	if loc == nil {
		loc = time.Local
	}
	return &RecordingService{
		db:     db,
		locker: locker,
		loc:    loc,
		log:    logging.For("recordings"),
	}
}

// ListRecordings returns records newest first, optionally narrowed to a camera and a local date
func (s *RecordingService) ListRecordings(cameraID, date string, limit int) ([]database.Recording, error) {
	filter := database.RecordingFilter{CameraID: cameraID, Limit: limit}
	if date != "" {
		day, err := time.ParseInLocation(dateLayout, date, s.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
		}
		filter.From = day
		filter.To = day.AddDate(0, 0, 1)
	}

	recs, err := s.db.ListRecordings(filter)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []database.Recording{}
	}
	return recs, nil
}

// GetRecording returns one record or database.ErrNotFound
func (s *RecordingService) GetRecording(id string) (*database.Recording, error) {
	rec, err := s.db.GetRecording(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, database.ErrNotFound
	}
	return rec, nil
}

// RecordingDates returns the distinct local dates that have footage, newest first
func (s *RecordingService) RecordingDates() ([]string, error) {
	starts, err := s.db.GetRecordingStartTimes()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(starts))
	dates := make([]string, 0)
	for _, t := range starts {
		d := t.In(s.loc).Format(dateLayout)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// DeleteRecording removes a segment file and its record. A file already gone is not an error.
func (s *RecordingService) DeleteRecording(ctx context.Context, id string) error {
	return s.locker.Exclusive(ctx, func(context.Context) error {
		rec, err := s.db.GetRecording(id)
		if err != nil {
			return err
		}
		if rec == nil {
			return database.ErrNotFound
		}
		if err := storage.RemoveFile(rec.Path); err != nil {
			return err
		}
		if err := s.db.DeleteRecording(id); err != nil {
			return err
		}
		s.log.Info().Str("id", id).Str("path", rec.Path).Msg("recording deleted")
		return nil
	})
}

// PurgeAll removes every segment file and clears the inventory. Files that
// cannot be removed are logged and counted; their records are still dropped
// and come back on the next reconciliation pass.
func (s *RecordingService) PurgeAll(ctx context.Context) (int64, error) {
	var purged int64
	err := s.locker.Exclusive(ctx, func(context.Context) error {
		recs, err := s.db.ListRecordings(database.RecordingFilter{})
		if err != nil {
			return err
		}
		failed := 0
		for _, rec := range recs {
			if err := storage.RemoveFile(rec.Path); err != nil {
				failed++
				s.log.Warn().Err(err).Str("path", rec.Path).Msg("failed to remove segment during purge")
			}
		}
		purged, err = s.db.DeleteAllRecordings()
		if err != nil {
			return err
		}
		s.log.Info().Int64("records", purged).Int("failedFiles", failed).Msg("inventory purged")
		return nil
	})
	return purged, err
}
