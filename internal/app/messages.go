package app

import (
	"fmt"
	"time"
)

// ProgressMsg updates the overall progress bar.
type ProgressMsg struct {
	Tag      string // Identifier for the overall task (e.g., "Fetch", "Process")
	Current  int64
	Total    int64
	Activity string // Short description of current activity (optional)
}

// DateProgressMsg updates the status line for a single date batch item.
type DateProgressMsg struct {
	Date    string
	Status  string // "Processing", "Complete", "Skipped", "Error"
	Elapsed time.Duration
	ErrMsg  string
}

// TaskFinishedMsg signals the completion of a background task.
type TaskFinishedMsg struct {
	Tag       string
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Message   string
}

// GeneralErrorMsg signals an error not tied to a specific task.
type GeneralErrorMsg struct {
	Err error
}

func NewProgress(tag string, current, total int64, activity string) ProgressMsg {
	return ProgressMsg{Tag: tag, Current: current, Total: total, Activity: activity}
}

func NewDateProgress(date, status string, elapsed time.Duration, errMsg string) DateProgressMsg {
	return DateProgressMsg{Date: date, Status: status, Elapsed: elapsed, ErrMsg: errMsg}
}

func NewTaskFinished(tag string, start time.Time, err error, msg string) TaskFinishedMsg {
	return TaskFinishedMsg{Tag: tag, StartTime: start, EndTime: time.Now(), Err: err, Message: msg}
}

func NewError(err error) GeneralErrorMsg {
	return GeneralErrorMsg{Err: err}
}

func (e GeneralErrorMsg) Error() string { return e.Err.Error() }
func (t TaskFinishedMsg) Error() string {
	if t.Err != nil {
		return t.Err.Error()
	}
	return ""
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress %s: %d/%d", p.Tag, p.Current, p.Total)
}
func (dp DateProgressMsg) String() string {
	return fmt.Sprintf("DateProgress %s: %s", dp.Date, dp.Status)
}
func (tf TaskFinishedMsg) String() string { return fmt.Sprintf("TaskFinished %s", tf.Tag) }
func (ge GeneralErrorMsg) String() string { return fmt.Sprintf("GeneralError: %s", ge.Err) }
