// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirSweepInterval = 10 * time.Minute

var cleanerStop chan struct{}

// configureLogDirCleanerLocked starts or stops the background log directory
// cleaner. Callers must hold writerMu.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()
	if maxTotalSizeMB <= 0 {
		return
	}

	stop := make(chan struct{})
	cleanerStop = stop
	maxBytes := int64(maxTotalSizeMB) * 1024 * 1024

	go func() {
		ticker := time.NewTicker(logDirSweepInterval)
		defer ticker.Stop()
		trimLogDir(logDir, maxBytes, protectedPath)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				trimLogDir(logDir, maxBytes, protectedPath)
			}
		}
	}()
}

func stopLogDirCleanerLocked() {
	if cleanerStop != nil {
		close(cleanerStop)
		cleanerStop = nil
	}
}

// trimLogDir removes the oldest files in logDir until the total size fits
// within maxBytes. The active log file is never removed.
func trimLogDir(logDir string, maxBytes int64, protectedPath string) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []fileInfo
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(logDir, entry.Name())
		total += info.Size()
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
	}
	if total <= maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if f.path == protectedPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.Debugf("logging: failed to remove old log file %s: %v", f.path, err)
			continue
		}
		total -= f.size
	}
}
