package orbit

// RICFrame holds the radial / in-track / cross-track unit vectors for an
// orbital state. Radial points away from Earth's center, cross-track along
// the angular momentum vector, and in-track completes the right-handed triad
// (close to the velocity direction for near-circular orbits). Burn vectors
// are specified in this frame.
type RICFrame struct {
	Radial  Vec3
	InTrack Vec3
	Cross   Vec3
}

// RICBasis builds the RIC frame at the state (r, v).
func RICBasis(r, v Vec3) RICFrame {
	radial := r.Unit()
	cross := r.Cross(v).Unit()
	return RICFrame{
		Radial:  radial,
		InTrack: cross.Cross(radial),
		Cross:   cross,
	}
}

// ToInertial maps RIC components (radial, in-track, cross-track) to an
// inertial vector.
func (f RICFrame) ToInertial(radial, inTrack, cross float64) Vec3 {
	return f.Radial.Scale(radial).
		Add(f.InTrack.Scale(inTrack)).
		Add(f.Cross.Scale(cross))
}

// FromInertial projects an inertial vector onto the RIC axes.
func (f RICFrame) FromInertial(v Vec3) (radial, inTrack, cross float64) {
	return f.Radial.Dot(v), f.InTrack.Dot(v), f.Cross.Dot(v)
}
