package propagation

import (
	"time"

	"github.com/star/kessler/internal/orbit"
)

// StateSample is one object's propagated state at a sample time.
type StateSample struct {
	ObjectID string
	Time     time.Time
	Position orbit.Vec3 // km, inertial
	Velocity orbit.Vec3 // km/s, inertial
}

// Config holds propagation tuning loaded from environment variables.
type Config struct {
	Workers int // worker pool size (default: runtime.NumCPU())
}
