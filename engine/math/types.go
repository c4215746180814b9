package math

type Vec3 struct {
	X, Y, Z float32
}

/** @brief Unit quaternion orientation; W is the scalar part. */
type Quaternion struct {
	X, Y, Z, W float32
}

/**
 * @brief 4x4 matrix stored row by row and applied to row vectors
 * (v' = v * M). Translation sits in Data[12..14].
 */
type Mat4 struct {
	Data [16]float32
}

/**
 * @brief Placement of an acceleration structure instance. The local matrix is
 * rebuilt lazily after any setter; the world matrix chains through Parent.
 */
type Transform struct {
	Position Vec3
	Rotation Quaternion
	Scale    Vec3
	/** @brief Optional. A nil parent places the instance in world space. */
	Parent *Transform

	local Mat4
	dirty bool
}
