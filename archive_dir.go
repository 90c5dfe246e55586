package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotSupported is returned by archive sources for feeds they cannot serve
var ErrNotSupported = errors.New("not supported by this archive source")

const (
	damageFileName       = "damage_cumulative.txt"
	damageBackupFileName = "damage_cumulative.bak"
	pageDayLayout        = "20060102"
)

// DirArchiveSource reads the backend's data directory directly:
//
//	<data_dir>/<device>/<YYYY>/<MM>/<YYYYMMDD>.csv
//	<data_dir>/<device>/damage_cumulative.txt (damage_cumulative.bak as fallback)
//
// The device configuration is read from the backend config.json when configFile is set.
type DirArchiveSource struct {
	dataDir    string
	configFile string
	loc        *time.Location
}

// NewDirArchiveSource creates a directory source rooted at dataDir
func NewDirArchiveSource(dataDir, configFile string, loc *time.Location) (*DirArchiveSource, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("archive data_dir is required for the dir source")
	}
	if loc == nil {
		loc = time.Local
	}
	return &DirArchiveSource{dataDir: dataDir, configFile: configFile, loc: loc}, nil
}

// pagePath returns the CSV page of device for day
func (d *DirArchiveSource) pagePath(device string, day time.Time) string {
	day = day.In(d.loc)
	return filepath.Join(
		d.dataDir,
		device,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", day.Month()),
		day.Format(pageDayLayout)+".csv",
	)
}

// FetchRows reads the requested day pages in order. Missing pages are skipped silently and
// unreadable pages are logged and skipped.
func (d *DirArchiveSource) FetchRows(ctx context.Context, device string, days []time.Time) ([]ArchiveRow, int, error) {
	if err := validateDeviceName(device); err != nil {
		return nil, 0, err
	}

	var rows []ArchiveRow
	total := 0
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		filename := d.pagePath(device, day)
		file, err := os.Open(filename)
		if err != nil {
			// Skip missing files silently
			continue
		}

		pageRows, skipped, err := ParseArchiveCSV(file)
		file.Close()
		if err != nil {
			log.Printf("Warning: failed to read %s: %v", filename, err)
			continue
		}
		if skipped > 0 && DebugMode {
			log.Printf("DEBUG: Archive: %s: skipped %d malformed records", filename, skipped)
		}
		total += skipped
		rows = append(rows, pageRows...)
	}
	return rows, total, nil
}

// FetchCumulativeDamage reads the damage file, falling back to the backup when the main file is
// missing or corrupt
func (d *DirArchiveSource) FetchCumulativeDamage(ctx context.Context, device string) (*DamageCurve, error) {
	if err := validateDeviceName(device); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.dataDir, device)
	for _, name := range []string{damageFileName, damageBackupFileName} {
		curve, err := readDamageCurve(filepath.Join(dir, name))
		if err == nil {
			return curve, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("Warning: Archive: %s/%s: %v", device, name, err)
		}
	}
	return nil, ErrNoCumulativeDamage
}

// FetchDeviceConfig reads the backend config.json
func (d *DirArchiveSource) FetchDeviceConfig(ctx context.Context) (*DeviceConfig, error) {
	if d.configFile == "" {
		return nil, ErrNotSupported
	}
	data, err := os.ReadFile(d.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read device config: %w", err)
	}
	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse device config: %w", err)
	}
	return &cfg, nil
}

// FetchWindStatus is not available from the data directory; wind arrives over MQTT instead
func (d *DirArchiveSource) FetchWindStatus(ctx context.Context) (*WindStatus, error) {
	return nil, ErrNotSupported
}

// AvailableDays lists the days with an archive page for device, newest first
func (d *DirArchiveSource) AvailableDays(device string) ([]string, error) {
	if err := validateDeviceName(device); err != nil {
		return nil, err
	}

	root := filepath.Join(d.dataDir, device)
	yearDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	dayMap := make(map[string]bool)
	for _, yearDir := range yearDirs {
		if !yearDir.IsDir() {
			continue
		}
		monthPath := filepath.Join(root, yearDir.Name())
		monthDirs, err := os.ReadDir(monthPath)
		if err != nil {
			continue
		}
		for _, monthDir := range monthDirs {
			if !monthDir.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(monthPath, monthDir.Name()))
			if err != nil {
				continue
			}
			for _, file := range files {
				name := file.Name()
				if file.IsDir() || filepath.Ext(name) != ".csv" {
					continue
				}
				day, err := time.Parse(pageDayLayout, strings.TrimSuffix(name, ".csv"))
				if err != nil {
					continue
				}
				dayMap[day.Format(dayLayout)] = true
			}
		}
	}

	days := make([]string, 0, len(dayMap))
	for day := range dayMap {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i] > days[j]
	})
	return days, nil
}

func readDamageCurve(path string) (*DamageCurve, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var curve DamageCurve
	if err := json.Unmarshal(data, &curve); err != nil {
		return nil, fmt.Errorf("corrupt damage file: %w", err)
	}
	if curve.Directions == nil || curve.Damages == nil {
		return nil, fmt.Errorf("damage file has no curve")
	}
	return &curve, nil
}

// validateDeviceName rejects names that would escape the data directory
func validateDeviceName(device string) error {
	if device == "" || device == "." || device == ".." || strings.ContainsAny(device, `/\`) {
		return fmt.Errorf("invalid device name %q", device)
	}
	return nil
}
