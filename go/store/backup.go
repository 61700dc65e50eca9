package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Backups implements spec §4.1 "Backups": on store open, write today's
// backup if absent, then prune by tiered retention.
type Backups struct {
	Root          string
	RetentionDays int // daily backups kept; values below 7 are raised to 7
	Source        string
}

const (
	weeklyRetention  = 16
	monthlyRetention = 24
	yearlyRetention  = 7
)

func (b Backups) dailyDir() string   { return filepath.Join(b.Root, "daily") }
func (b Backups) weeklyDir() string  { return filepath.Join(b.Root, "weekly") }
func (b Backups) monthlyDir() string { return filepath.Join(b.Root, "monthly") }
func (b Backups) yearlyDir() string  { return filepath.Join(b.Root, "yearly") }

// EnsureTodayBackup writes a daily backup via SQLite's VACUUM INTO if one
// for today does not already exist, then promotes it into the weekly,
// monthly, and yearly tiers when it is the first backup of that bucket --
// computed at write time, never by a separate indexing pass (spec §9).
func (b Backups) EnsureTodayBackup(db *sql.DB) error {
	now := time.Now()
	dailyPath := filepath.Join(b.dailyDir(), fmt.Sprintf("tenders_%s.db", now.Format("20060102")))
	if _, err := os.Stat(dailyPath); err == nil {
		return nil // already backed up today
	}
	if err := os.MkdirAll(b.dailyDir(), 0o755); err != nil {
		return err
	}
	// VACUUM INTO requires the destination not to already exist.
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO %q", dailyPath)); err != nil {
		return fmt.Errorf("backup: vacuum into %q: %w", dailyPath, err)
	}

	year, week := now.ISOWeek()
	if err := b.promoteIfFirst(dailyPath, b.weeklyDir(), fmt.Sprintf("tenders_%04d_w%02d.db", year, week)); err != nil {
		return err
	}
	if err := b.promoteIfFirst(dailyPath, b.monthlyDir(), fmt.Sprintf("tenders_%04d_%02d.db", now.Year(), now.Month())); err != nil {
		return err
	}
	if err := b.promoteIfFirst(dailyPath, b.yearlyDir(), fmt.Sprintf("tenders_%04d.db", now.Year())); err != nil {
		return err
	}
	return nil
}

func (b Backups) promoteIfFirst(dailyPath, dir, name string) error {
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(dailyPath)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// Prune keeps only the newest backups of each tier, by count rather than
// by age: daily 7 (or RetentionDays if larger), weekly 16, monthly 24,
// yearly 7.
func (b Backups) Prune() error {
	dailyRetention := b.RetentionDays
	if dailyRetention < 7 {
		dailyRetention = 7
	}
	if err := pruneDir(b.dailyDir(), "tenders_", dailyRetention); err != nil {
		return err
	}
	if err := pruneDir(b.weeklyDir(), "tenders_", weeklyRetention); err != nil {
		return err
	}
	if err := pruneDir(b.monthlyDir(), "tenders_", monthlyRetention); err != nil {
		return err
	}
	return pruneDir(b.yearlyDir(), "tenders_", yearlyRetention)
}

// pruneDir keeps at most keep entries in dir, newest-name-first (backup
// filenames are lexically sortable by embedded date), deleting the rest.
func pruneDir(dir, prefix string, keep int) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for i := keep; i < len(names); i++ {
		if err := os.Remove(filepath.Join(dir, names[i])); err != nil {
			return err
		}
	}
	return nil
}
