package app

// AppState tracks which screen the model is rendering.
type AppState int

const (
	ShowMenu AppState = iota
	FetchingArchives
	ProcessingDates
	InspectingOutputs
	ShowError
	Exiting
)
