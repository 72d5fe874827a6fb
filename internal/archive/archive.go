// Package archive defines the external archive clients the publisher talks
// to: an image archive that groups statistical maps into named collections,
// and a study archive that stores coordinate-based analyses.
//
// Client calls return a Result instead of an error. A Result is exactly one
// of OK (with the remote id), Collision (the requested name is taken), or
// Transport (network failure or remote rejection). Callers branch on
// Result.Outcome; Result.Err converts to an error for propagation.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReservedFailureID is an external identifier that test doubles treat as
// permanently failing, so failure paths can be driven deterministically.
const ReservedFailureID = "00000000-fail"

// Outcome classifies an archive call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCollision
	OutcomeTransport
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeCollision:
		return "collision"
	}
	return "transport"
}

// Sentinel errors matched by Result.Err.
var (
	ErrCollision = errors.New("archive: name already exists")
	ErrTransport = errors.New("archive: transport error")
)

// Result is the outcome of one archive call.
type Result struct {
	Outcome Outcome
	ID      string // remote identifier when OK
	URL     string // remote URL when OK, if the archive returns one
	MapType string // map type echoed by the image archive, as returned
	Message string // failure text for Collision and Transport
}

// OK builds a successful result.
func OK(id string) Result { return Result{Outcome: OutcomeOK, ID: id} }

// Collision builds a name-collision result.
func Collision(msg string) Result { return Result{Outcome: OutcomeCollision, Message: msg} }

// Transport builds a transport or remote-error result.
func Transport(msg string) Result { return Result{Outcome: OutcomeTransport, Message: msg} }

// Transportf builds a transport result from a format string.
func Transportf(format string, args ...any) Result {
	return Transport(fmt.Sprintf(format, args...))
}

// Err returns nil for OK results and a wrapped sentinel otherwise.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeOK:
		return nil
	case OutcomeCollision:
		return fmt.Errorf("%w: %s", ErrCollision, r.Message)
	}
	return fmt.Errorf("%w: %s", ErrTransport, r.Message)
}

// CollectionRequest describes a collection to create.
type CollectionRequest struct {
	Name        string
	Description string
	SourceURL   string
}

// ImageRequest describes one statistical map to register in a collection.
type ImageRequest struct {
	CollectionID      string
	Path              string
	Name              string
	Modality          string
	MapType           string
	AnalysisLevel     string
	CognitiveParadigm string
	NSubjects         int
	IsValid           bool
}

// ImageArchive creates collections and registers images in them.
type ImageArchive interface {
	CreateCollection(ctx context.Context, req CollectionRequest) Result
	AddImage(ctx context.Context, req ImageRequest) Result
}

// Point is one coordinate row of a cluster table.
type Point struct {
	Coordinates [3]float64 `json:"coordinates"`
	Statistic   float64    `json:"statistic"`
	ClusterSize *float64   `json:"cluster_size"`
}

// Image references a published statistical map.
type Image struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	ValueType string    `json:"value_type"`
	CreatedAt time.Time `json:"created_at"`
}

// StudyPayload is the body sent on study create and update.
type StudyPayload struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Points      []Point `json:"points"`
	Images      []Image `json:"images"`
}

// StudyArchive creates or updates analyses.
type StudyArchive interface {
	Create(ctx context.Context, payload StudyPayload) Result
	Update(ctx context.Context, id string, payload StudyPayload) Result
}
