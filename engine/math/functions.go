package math

import (
	m "math"
)

const (
	K_PI                 float32 = 3.14159265358979323846
	K_DEG2RAD_MULTIPLIER float32 = K_PI / 180.0
	/** @brief Smallest positive number where 1.0 + FLOAT_EPSILON != 0 */
	K_FLOAT_EPSILON float32 = 1.192092896e-07
)

func ksin(x float32) float32  { return float32(m.Sin(float64(x))) }
func kcos(x float32) float32  { return float32(m.Cos(float64(x))) }
func ksqrt(x float32) float32 { return float32(m.Sqrt(float64(x))) }
func kabs(x float32) float32  { return float32(m.Abs(float64(x))) }

func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD_MULTIPLIER
}

func NewVec3(x, y, z float32) Vec3 { return Vec3{X: x, Y: y, Z: z} }
func NewVec3Zero() Vec3            { return Vec3{} }
func NewVec3One() Vec3             { return Vec3{1, 1, 1} }
func NewVec3Up() Vec3              { return Vec3{0, 1, 0} }

// Uniform returns a vector with every component set to s.
func Uniform(s float32) Vec3 { return Vec3{s, s, s} }

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Mul(o Vec3) Vec3 { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }

// Transform multiplies v as a point (w = 1) by mt.
func (v Vec3) Transform(mt Mat4) Vec3 {
	d := mt.Data
	return Vec3{
		X: v.X*d[0] + v.Y*d[4] + v.Z*d[8] + d[12],
		Y: v.X*d[1] + v.Y*d[5] + v.Z*d[9] + d[13],
		Z: v.X*d[2] + v.Y*d[6] + v.Z*d[10] + d[14],
	}
}

// Compare reports whether every component differs by at most tolerance.
func (v Vec3) Compare(o Vec3, tolerance float32) bool {
	return kabs(v.X-o.X) <= tolerance && kabs(v.Y-o.Y) <= tolerance && kabs(v.Z-o.Z) <= tolerance
}

func NewMat4Identity() Mat4 {
	var out Mat4
	out.Data[0], out.Data[5], out.Data[10], out.Data[15] = 1, 1, 1, 1
	return out
}

func NewMat4Translation(p Vec3) Mat4 {
	out := NewMat4Identity()
	out.Data[12], out.Data[13], out.Data[14] = p.X, p.Y, p.Z
	return out
}

func NewMat4Scale(s Vec3) Mat4 {
	out := NewMat4Identity()
	out.Data[0], out.Data[5], out.Data[10] = s.X, s.Y, s.Z
	return out
}

// Mul returns mt * other; with row vectors mt is applied first.
func (mt Mat4) Mul(other Mat4) Mat4 {
	var out Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float32
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out.Data[row*4+col] = sum
		}
	}
	return out
}

// Affine3x4 returns the top three rows of the transposed matrix: the row-major
// 3x4 layout acceleration structure instances expect for column vectors.
func (mt Mat4) Affine3x4() [12]float32 {
	var out [12]float32
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			out[row*4+col] = mt.Data[col*4+row]
		}
	}
	return out
}

func NewQuatIdentity() Quaternion {
	return Quaternion{W: 1}
}

/**
 * @brief Rotation of angle radians around axis. The axis does not need to be
 * unit length when normalize is set.
 */
func NewQuatFromAxisAngle(axis Vec3, angle float32, normalize bool) Quaternion {
	s, c := ksin(0.5*angle), kcos(0.5*angle)
	q := Quaternion{s * axis.X, s * axis.Y, s * axis.Z, c}
	if normalize {
		return q.Normalize()
	}
	return q
}

func (q Quaternion) Normal() float32 {
	return ksqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// Normalize returns a unit copy of q. A zero quaternion becomes the identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.Normal()
	if n < K_FLOAT_EPSILON {
		return NewQuatIdentity()
	}
	return Quaternion{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Mul composes two rotations.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		X: q.X*o.W + q.Y*o.Z - q.Z*o.Y + q.W*o.X,
		Y: -q.X*o.Z + q.Y*o.W + q.Z*o.X + q.W*o.Y,
		Z: q.X*o.Y - q.Y*o.X + q.Z*o.W + q.W*o.Z,
		W: -q.X*o.X - q.Y*o.Y - q.Z*o.Z + q.W*o.W,
	}
}

// ToMat4 is the rotation matrix of the normalized quaternion.
func (q Quaternion) ToMat4() Mat4 {
	n := q.Normalize()
	x, y, z, w := n.X, n.Y, n.Z, n.W
	out := NewMat4Identity()
	out.Data[0] = 1 - 2*y*y - 2*z*z
	out.Data[1] = 2*x*y - 2*z*w
	out.Data[2] = 2*x*z + 2*y*w
	out.Data[4] = 2*x*y + 2*z*w
	out.Data[5] = 1 - 2*x*x - 2*z*z
	out.Data[6] = 2*y*z - 2*x*w
	out.Data[8] = 2*x*z - 2*y*w
	out.Data[9] = 2*y*z + 2*x*w
	out.Data[10] = 1 - 2*x*x - 2*y*y
	return out
}
