package shader

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/spirv"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

const spirvMagic = 0x07230203

/** @brief Result of compiling one shader variant. */
type Output struct {
	Code     []byte
	Bindings []Binding
}

// Compiler turns preprocessed shader text into SPIR-V. Implementations must be
// safe for concurrent use.
type Compiler interface {
	Compile(name, source string, stage metadata.ShaderStage) (*Output, error)
}

// NagaCompiler compiles WGSL with the pure Go naga toolchain.
type NagaCompiler struct {
	options naga.CompileOptions
}

func NewNagaCompiler(debug bool) *NagaCompiler {
	opts := naga.DefaultOptions()
	opts.SPIRVVersion = spirv.Version1_3
	opts.Debug = debug
	return &NagaCompiler{options: opts}
}

func (nc *NagaCompiler) Compile(name, source string, stage metadata.ShaderStage) (*Output, error) {
	module, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("compile %s (%s): %s: %w", name, stage, err, core.ErrShaderCompile)
	}
	bindings, err := reflectModule(name, module)
	if err != nil {
		return nil, err
	}
	code, err := naga.CompileWithOptions(source, nc.options)
	if err != nil {
		return nil, fmt.Errorf("compile %s (%s): %s: %w", name, stage, err, core.ErrShaderCompile)
	}
	return &Output{Code: code, Bindings: bindings}, nil
}

// validateSPIRV checks the header of a precompiled binary.
func validateSPIRV(name string, code []byte) error {
	if len(code) < 20 || len(code)%4 != 0 {
		return fmt.Errorf("%s: SPIR-V binary has invalid size %d: %w", name, len(code), core.ErrShaderCompile)
	}
	if binary.LittleEndian.Uint32(code[:4]) != spirvMagic {
		return fmt.Errorf("%s: missing SPIR-V magic number: %w", name, core.ErrShaderCompile)
	}
	return nil
}
