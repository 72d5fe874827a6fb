// Package archivetest provides in-memory archive doubles for tests.
package archivetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/neurosynth/metapub/internal/archive"
)

// ImageArchive is a scripted in-memory image archive.
type ImageArchive struct {
	mu sync.Mutex

	// Collisions is how many CreateCollection calls report a name
	// collision before one succeeds. Negative means every call collides.
	Collisions int
	// FailCollections makes CreateCollection return a transport failure.
	FailCollections bool
	// FailImages makes AddImage return a transport failure.
	FailImages bool
	// EchoMapType, when set, replaces the map type echoed back by AddImage.
	EchoMapType string

	CollectionNames []string
	Images          []archive.ImageRequest

	nextCollection int
	nextImage      int64
}

var _ archive.ImageArchive = (*ImageArchive)(nil)

// NewImageArchive returns an archive where every call succeeds.
func NewImageArchive() *ImageArchive {
	return &ImageArchive{nextCollection: 100, nextImage: 1000}
}

func (a *ImageArchive) CreateCollection(ctx context.Context, req archive.CollectionRequest) archive.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return archive.Transport(err.Error())
	}
	a.CollectionNames = append(a.CollectionNames, req.Name)
	if a.FailCollections {
		return archive.Transport("collection service unavailable")
	}
	if a.Collisions != 0 {
		if a.Collisions > 0 {
			a.Collisions--
		}
		return archive.Collision(fmt.Sprintf("collection %q already exists", req.Name))
	}
	a.nextCollection++
	return archive.OK(strconv.Itoa(a.nextCollection))
}

func (a *ImageArchive) AddImage(ctx context.Context, req archive.ImageRequest) archive.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return archive.Transport(err.Error())
	}
	if a.FailImages || req.CollectionID == archive.ReservedFailureID {
		return archive.Transport("image upload rejected")
	}
	a.Images = append(a.Images, req)
	a.nextImage++
	r := archive.OK(strconv.FormatInt(a.nextImage, 10))
	r.URL = fmt.Sprintf("http://images.test/images/%d/", a.nextImage)
	r.MapType = req.MapType
	if a.EchoMapType != "" {
		r.MapType = a.EchoMapType
	}
	return r
}

// CollectionCalls returns how many CreateCollection calls were made.
func (a *ImageArchive) CollectionCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.CollectionNames)
}

// StudyCall records one call to the study archive.
type StudyCall struct {
	Method  string // "create" or "update"
	ID      string
	Payload archive.StudyPayload
}

// StudyArchive is an in-memory study archive. Updates addressed to
// archive.ReservedFailureID always fail.
type StudyArchive struct {
	mu sync.Mutex

	// FailCreate makes Create return a transport failure.
	FailCreate bool

	Calls []StudyCall
	next  int
}

var _ archive.StudyArchive = (*StudyArchive)(nil)

func NewStudyArchive() *StudyArchive { return &StudyArchive{} }

func (a *StudyArchive) Create(ctx context.Context, payload archive.StudyPayload) archive.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, StudyCall{Method: "create", Payload: payload})
	if a.FailCreate {
		return archive.Transport("study service unavailable")
	}
	a.next++
	return archive.OK(fmt.Sprintf("study%04d", a.next))
}

func (a *StudyArchive) Update(ctx context.Context, id string, payload archive.StudyPayload) archive.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, StudyCall{Method: "update", ID: id, Payload: payload})
	if id == archive.ReservedFailureID {
		return archive.Transportf("analysis %s not found", id)
	}
	return archive.OK(id)
}

// Methods lists the recorded call methods in order.
func (a *StudyArchive) Methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Calls))
	for i, c := range a.Calls {
		out[i] = c.Method
	}
	return out
}
