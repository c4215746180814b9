package math

func TransformCreate() *Transform {
	return TransformFromPositionRotationScale(NewVec3Zero(), NewQuatIdentity(), NewVec3One())
}

func TransformFromPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) *Transform {
	t := &Transform{}
	t.SetPositionRotationScale(position, rotation, scale)
	return t
}

func (t *Transform) SetPosition(position Vec3) {
	t.Position, t.dirty = position, true
}

func (t *Transform) Translate(delta Vec3) {
	t.Position, t.dirty = t.Position.Add(delta), true
}

func (t *Transform) Rotate(rotation Quaternion) {
	t.Rotation, t.dirty = t.Rotation.Mul(rotation), true
}

func (t *Transform) SetPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) {
	t.Position, t.Rotation, t.Scale = position, rotation, scale
	t.dirty = true
}

// GetLocal applies scale, then rotation, then translation.
func (t *Transform) GetLocal() Mat4 {
	if t == nil {
		return NewMat4Identity()
	}
	if t.dirty {
		t.local = NewMat4Scale(t.Scale).Mul(t.Rotation.ToMat4()).Mul(NewMat4Translation(t.Position))
		t.dirty = false
	}
	return t.local
}

func (t *Transform) GetWorld() Mat4 {
	if t == nil {
		return NewMat4Identity()
	}
	if t.Parent == nil {
		return t.GetLocal()
	}
	return t.GetLocal().Mul(t.Parent.GetWorld())
}

// InstanceMatrix is the world matrix in the layout of an acceleration
// structure instance.
func (t *Transform) InstanceMatrix() [12]float32 {
	return t.GetWorld().Affine3x4()
}
