// Package status summarizes a data root for `taskdir status`.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/msageha/taskdir/internal/lock"
	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/store"
)

type Report struct {
	Root       string        `json:"root"`
	Daemon     DaemonStatus  `json:"daemon"`
	Stages     []StageStatus `json:"stages"`
	OldestTodo *TaskAge      `json:"oldest_todo,omitempty"`
	Working    []WorkingTask `json:"working,omitempty"`
	Done       DoneTotals    `json:"done"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type StageStatus struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

type TaskAge struct {
	File    string    `json:"file"`
	ModTime time.Time `json:"mod_time"`
	Age     string    `json:"age"`
}

type WorkingTask struct {
	File       string `json:"file"`
	ID         string `json:"id,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries *int   `json:"max_retries,omitempty"`
	Age        string `json:"age"`
}

// DoneTotals counts DONE manifests by final status. Files that cannot be
// decoded (quarantined manifests) are counted separately.
type DoneTotals struct {
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Quarantined int `json:"quarantined"`
	Other       int `json:"other"`
}

// Run collects the report for root and prints it to stdout.
func Run(root string, jsonOutput bool) error {
	r, err := Collect(root, time.Now())
	if err != nil {
		return err
	}
	if jsonOutput {
		return WriteJSON(os.Stdout, r)
	}
	return WriteText(os.Stdout, r)
}

// Collect reads every stage under root. Ages are relative to now.
func Collect(root string, now time.Time) (Report, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return Report{}, fmt.Errorf("%s is not a taskdir root (run 'taskdir setup' first)", root)
	}

	r := Report{Root: root}
	held, pid, err := lock.Probe(filepath.Join(root, "locks", "daemon.lock"))
	if err == nil {
		r.Daemon = DaemonStatus{Running: held}
		if held {
			r.Daemon.Pid = pid
		}
	}

	st := store.NewFS(root, store.DefaultMovePolicy)
	for _, stage := range store.Stages {
		entries, err := st.List(stage)
		if err != nil && !store.IsNotFound(err) {
			return Report{}, fmt.Errorf("list %s: %w", stage, err)
		}
		ss := StageStatus{Name: string(stage), Count: len(entries)}
		for _, e := range entries {
			ss.Bytes += e.Size
		}
		r.Stages = append(r.Stages, ss)

		switch stage {
		case store.StageTodo:
			if len(entries) > 0 {
				e := entries[0]
				r.OldestTodo = &TaskAge{File: e.Name, ModTime: e.ModTime, Age: age(e.ModTime, now)}
			}
		case store.StageWorking:
			r.Working = workingTasks(st, entries, now)
		case store.StageDone:
			r.Done = doneTotals(st, entries)
		}
	}
	return r, nil
}

func workingTasks(st store.Store, entries []store.Entry, now time.Time) []WorkingTask {
	tasks := make([]WorkingTask, 0, len(entries))
	for _, e := range entries {
		wt := WorkingTask{File: e.Name, Age: age(e.ModTime, now)}
		data, err := st.Read(store.StageWorking, e.Name)
		if err != nil {
			// Finished between listing and reading.
			continue
		}
		m, err := model.DecodeManifest(e.Name, data)
		if err != nil {
			wt.Status = "MALFORMED"
		} else {
			wt.ID = m.ID
			wt.Status = string(m.Status.Normalize())
			wt.Attempts = m.AttemptCount
			wt.MaxRetries = m.MaxRetries
		}
		tasks = append(tasks, wt)
	}
	return tasks
}

func doneTotals(st store.Store, entries []store.Entry) DoneTotals {
	var t DoneTotals
	for _, e := range entries {
		data, err := st.Read(store.StageDone, e.Name)
		if err != nil {
			continue
		}
		m, err := model.DecodeManifest(e.Name, data)
		switch {
		case err != nil:
			t.Quarantined++
		case m.Status == model.StatusCompleted:
			t.Completed++
		case m.Status == model.StatusFailed:
			t.Failed++
		default:
			t.Other++
		}
	}
	return t
}

func age(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func WriteText(w io.Writer, r Report) error {
	// Daemon
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}
	fmt.Fprintf(w, "Root:   %s\n", r.Root)

	// Stages
	fmt.Fprintln(w, "\nStages:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  STAGE\tFILES\tSIZE")
	for _, s := range r.Stages {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", s.Name, humanize.Comma(int64(s.Count)), humanize.Bytes(uint64(s.Bytes)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.OldestTodo != nil {
		fmt.Fprintf(w, "\nOldest todo: %s (%s)\n", r.OldestTodo.File, r.OldestTodo.Age)
	}

	// Working
	if len(r.Working) > 0 {
		fmt.Fprintln(w, "\nWorking:")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  FILE\tID\tSTATUS\tATTEMPTS\tSINCE")
		for _, t := range r.Working {
			attempts := fmt.Sprintf("%d", t.Attempts)
			if t.MaxRetries != nil {
				attempts = fmt.Sprintf("%d/%d", t.Attempts, *t.MaxRetries+1)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", t.File, orDash(t.ID), t.Status, attempts, t.Age)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	// Done
	fmt.Fprintf(w, "\nDone: %d completed, %d failed, %d quarantined", r.Done.Completed, r.Done.Failed, r.Done.Quarantined)
	if r.Done.Other > 0 {
		fmt.Fprintf(w, ", %d other", r.Done.Other)
	}
	fmt.Fprintln(w)
	return nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
