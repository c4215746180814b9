//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

const (
	shaderDir = "shaders"
	spirvDir  = "shaders/spv"
)

type Build mg.Namespace

// Compiles every WGSL shader under shaders/ to SPIR-V with naga.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the dry-run binary into bin/.
func (Build) Binary() error {
	mg.Deps(Build.Shaders)
	return goCmd(nil, "build", "-o", "bin/lumen", ".")
}

func stageOf(source string) metadata.ShaderStage {
	switch {
	case strings.Contains(source, "@compute"):
		return metadata.ShaderStageCompute
	case strings.Contains(source, "@fragment") && strings.Contains(source, "@vertex"):
		return metadata.ShaderStageVertex | metadata.ShaderStageFragment
	case strings.Contains(source, "@fragment"):
		return metadata.ShaderStageFragment
	default:
		return metadata.ShaderStageVertex
	}
}

func buildShaders() error {
	files, err := filepath.Glob(filepath.Join(shaderDir, "*.wgsl"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(spirvDir, 0o755); err != nil {
		return err
	}

	compiler := shader.NewNagaCompiler(mg.Verbose())
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		name := filepath.Base(file)
		text, err := shader.Preprocess(name, string(data), nil)
		if err != nil {
			return err
		}
		out, err := compiler.Compile(name, text, stageOf(text))
		if err != nil {
			return err
		}
		dst := filepath.Join(spirvDir, strings.TrimSuffix(name, filepath.Ext(name))+".spv")
		if err := os.WriteFile(dst, out.Code, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%d bytes, %d bindings)\n", file, dst, len(out.Code), len(out.Bindings))
	}
	return nil
}
