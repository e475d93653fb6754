// Package msgs contains the message, service and action schemas used by the
// ZRM tests. Schemas are plain structs serialized by the codec
// package; their schema names are derived from the Go type, e.g.
// "msgs.Pose".
package msgs

// Point is a position in 3D space.
type Point struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
	Z float64 `cbor:"z"`
}

// Quaternion is an orientation in 3D space.
type Quaternion struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
	Z float64 `cbor:"z"`
	W float64 `cbor:"w"`
}

// Pose combines a position and an orientation.
type Pose struct {
	Position    Point      `cbor:"position"`
	Orientation Quaternion `cbor:"orientation"`
}

// Pose2D is a planar pose.
type Pose2D struct {
	X     float64 `cbor:"x"`
	Y     float64 `cbor:"y"`
	Theta float64 `cbor:"theta"`
}

// LaserScan is a single planar laser sweep.
type LaserScan struct {
	AngleMin       float64   `cbor:"angle_min"`
	AngleMax       float64   `cbor:"angle_max"`
	AngleIncrement float64   `cbor:"angle_increment"`
	RangeMin       float64   `cbor:"range_min"`
	RangeMax       float64   `cbor:"range_max"`
	Ranges         []float64 `cbor:"ranges"`
}
