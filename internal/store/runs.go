// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

// archivedRun is the on-disk shape of a runs/{workflow_id}/{timestamp}_{run_id}.json file.
type archivedRun struct {
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Duration   float64    `json:"duration"`
	Status     RunStatus  `json:"status"`
	IsTest     bool       `json:"is_test"`
	LogCount   int        `json:"log_count"`
	ArchivedAt time.Time  `json:"archived_at"`
	Logs       []LogEvent `json:"logs"`
}

// AppendRun prepends run to its workflow's in-memory history, archiving the
// oldest entry to disk once more than MaxInMemoryRuns are held.
func (s *FileStore) AppendRun(run *Run) error {
	if run == nil {
		return &weaveerrors.ValidationError{Field: "run", Message: "run is nil"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.runs[run.WorkflowID]
	updated := make([]*Run, 0, len(existing)+1)
	updated = append(updated, run)
	updated = append(updated, existing...)

	for len(updated) > MaxInMemoryRuns {
		oldest := updated[len(updated)-1]
		updated = updated[:len(updated)-1]
		if err := s.archiveRun(oldest); err != nil {
			return err
		}
	}

	s.runs[run.WorkflowID] = updated

	return writeJSONAtomic(s.runsPath(), s.runs)
}

// archiveRun persists run under data/runs/{workflow_id}/{timestamp}_{run_id}.json.
// Callers must hold s.mu.
func (s *FileStore) archiveRun(run *Run) error {
	dir := filepath.Join(s.dir, "runs", run.WorkflowID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}

	var duration float64
	if run.EndTime != nil {
		duration = run.EndTime.Sub(run.StartTime).Seconds()
	}

	archived := archivedRun{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		StartTime:  run.StartTime,
		EndTime:    run.EndTime,
		Duration:   duration,
		Status:     run.Status,
		IsTest:     run.IsTest,
		LogCount:   len(run.Logs),
		ArchivedAt: time.Now(),
		Logs:       run.Logs,
	}

	name := fmt.Sprintf("%s_%s.json", run.StartTime.UTC().Format("20060102_150405"), run.RunID)
	path := filepath.Join(dir, name)

	return writeJSONAtomic(path, archived)
}

// GetRun returns one historical run, checking in-memory history first and
// falling back to the archive directory when includeArchived is true.
func (s *FileStore) GetRun(workflowID, runID string, includeArchived bool) (*Run, error) {
	s.mu.RLock()
	for _, r := range s.runs[workflowID] {
		if r.RunID == runID {
			s.mu.RUnlock()
			return r, nil
		}
	}
	s.mu.RUnlock()

	if !includeArchived {
		return nil, &weaveerrors.NotFoundError{Resource: "run", ID: runID}
	}

	dir := filepath.Join(s.dir, "runs", workflowID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &weaveerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, fmt.Errorf("failed to read archive directory %s: %w", dir, err)
	}

	suffix := "_" + runID + ".json"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if len(entry.Name()) < len(suffix) || entry.Name()[len(entry.Name())-len(suffix):] != suffix {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read archive %s: %w", entry.Name(), err)
		}
		var archived archivedRun
		if err := json.Unmarshal(data, &archived); err != nil {
			return nil, fmt.Errorf("failed to parse archive %s: %w", entry.Name(), err)
		}
		return &Run{
			RunID:      archived.RunID,
			WorkflowID: archived.WorkflowID,
			IsTest:     archived.IsTest,
			StartTime:  archived.StartTime,
			EndTime:    archived.EndTime,
			Status:     archived.Status,
			Logs:       archived.Logs,
		}, nil
	}

	return nil, &weaveerrors.NotFoundError{Resource: "run", ID: runID}
}

// ListRuns returns the in-memory (and optionally archived) runs for a
// workflow, newest first, capped at limit (0 means unbounded).
func (s *FileStore) ListRuns(workflowID string, limit int, includeArchived bool) ([]*Run, error) {
	s.mu.RLock()
	inMemory := append([]*Run(nil), s.runs[workflowID]...)
	s.mu.RUnlock()

	out := inMemory

	if includeArchived {
		dir := filepath.Join(s.dir, "runs", workflowID)
		entries, err := os.ReadDir(dir)
		if err == nil {
			for i := len(entries) - 1; i >= 0; i-- {
				entry := entries[i]
				if entry.IsDir() {
					continue
				}
				data, readErr := os.ReadFile(filepath.Join(dir, entry.Name()))
				if readErr != nil {
					continue
				}
				var archived archivedRun
				if json.Unmarshal(data, &archived) != nil {
					continue
				}
				out = append(out, &Run{
					RunID:      archived.RunID,
					WorkflowID: archived.WorkflowID,
					IsTest:     archived.IsTest,
					StartTime:  archived.StartTime,
					EndTime:    archived.EndTime,
					Status:     archived.Status,
					Logs:       archived.Logs,
				})
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read archive directory %s: %w", dir, err)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
