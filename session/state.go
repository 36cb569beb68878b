package session

import "fmt"

// State is the position of a user inside one of the two conversation
// flows. Idle is both the initial state and the target of every reset.
type State int

const (
	Idle State = iota
	EnteringModelName
	SelectingModelType
	UploadingPhotos
	ConfirmingTraining
	TrainingModel
	SelectingModel
	EnteringPrompt
	ConfirmingGeneration
	GeneratingImages
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case EnteringModelName:
		return "entering_model_name"
	case SelectingModelType:
		return "selecting_model_type"
	case UploadingPhotos:
		return "uploading_photos"
	case ConfirmingTraining:
		return "confirming_training"
	case TrainingModel:
		return "training_model"
	case SelectingModel:
		return "selecting_model"
	case EnteringPrompt:
		return "entering_prompt"
	case ConfirmingGeneration:
		return "confirming_generation"
	case GeneratingImages:
		return "generating_images"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is a user or system input the state machine reacts to.
type Event int

const (
	StartTraining Event = iota
	ModelNameEntered
	ModelTypeSelected
	PhotoBatchFlushed
	TrainingConfirmed
	TrainingFinished
	StartGeneration
	ModelSelected
	PromptEntered
	GenerationConfirmed
	GenerationFinished
	Cancel
)

func (e Event) String() string {
	switch e {
	case StartTraining:
		return "start_training"
	case ModelNameEntered:
		return "model_name_entered"
	case ModelTypeSelected:
		return "model_type_selected"
	case PhotoBatchFlushed:
		return "photo_batch_flushed"
	case TrainingConfirmed:
		return "training_confirmed"
	case TrainingFinished:
		return "training_finished"
	case StartGeneration:
		return "start_generation"
	case ModelSelected:
		return "model_selected"
	case PromptEntered:
		return "prompt_entered"
	case GenerationConfirmed:
		return "generation_confirmed"
	case GenerationFinished:
		return "generation_finished"
	case Cancel:
		return "cancel"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type transition struct {
	from  State
	event Event
}

// transitions is the single source of truth for the conversation protocol.
// Cancel is handled separately: it is valid from every state.
var transitions = map[transition]State{
	{Idle, StartTraining}:                      EnteringModelName,
	{EnteringModelName, ModelNameEntered}:      SelectingModelType,
	{SelectingModelType, ModelTypeSelected}:    UploadingPhotos,
	{UploadingPhotos, PhotoBatchFlushed}:       ConfirmingTraining,
	{ConfirmingTraining, TrainingConfirmed}:    TrainingModel,
	{TrainingModel, TrainingFinished}:          Idle,
	{Idle, StartGeneration}:                    SelectingModel,
	{SelectingModel, ModelSelected}:            EnteringPrompt,
	{EnteringPrompt, PromptEntered}:            ConfirmingGeneration,
	{ConfirmingGeneration, GenerationConfirmed}: GeneratingImages,
	{GeneratingImages, GenerationFinished}:     Idle,
}

// InvalidTransitionError reports an event that is not allowed in the
// session's current state. The session is left untouched.
type InvalidTransitionError struct {
	State State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s in state %s", e.Event, e.State)
}

// Next returns the destination state for an event applied in state s.
func Next(s State, e Event) (State, error) {
	if e == Cancel {
		return Idle, nil
	}
	dst, ok := transitions[transition{s, e}]
	if !ok {
		return s, &InvalidTransitionError{State: s, Event: e}
	}
	return dst, nil
}
