/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/lora"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/ml/models/distilbert"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallModel(t *testing.T, seed uint64) *distilbert.Model {
	cfg := distilbert.DefaultConfig()
	cfg.VocabSize = 30
	cfg.MaxPositions = 8
	cfg.Dim = 8
	cfg.NumLayers = 1
	cfg.NumHeads = 2
	cfg.HiddenDim = 12
	cfg.InitStdDev = 0.3
	cfg.Seed = seed
	return must.M1(distilbert.New(cfg))
}

var tokens = [][]int{{1, 5, 9, 2}, {1, 22, 2, 0}}

func readMetadata(t *testing.T, dir, baseName string) *serializedData {
	contents, err := os.ReadFile(path.Join(dir, baseName+JsonNameSuffix))
	require.NoError(t, err)
	var serialized *serializedData
	require.NoError(t, json.Unmarshal(contents, &serialized))
	return serialized
}

func TestCheckpoints(t *testing.T) {
	var dir string
	var want *tensors.Tensor
	{
		// Build model, checkpoint a few times.
		m := smallModel(t, 1)
		want = must.M1(m.Forward(tokens))
		checkpoint := Build(m).TempDir("", "test_checkpoints_").Keep(3).
			WithParams(map[string]any{"learning_rate": 0.01, "rank": 4, "targets": []string{"q_lin", "v_lin"}}).
			MustDone()
		assert.Equal(t, 0, checkpoint.checkpointsCount)
		dir = checkpoint.Dir()
		fmt.Printf("Checkpoint directory: %s\n", dir)
		for range 5 {
			require.NoError(t, checkpoint.Save(), "Saving checkpoint")
		}

		// Check the correct number of checkpoints (3) remain.
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3, "Number of remaining checkpoints")
		assert.Equal(t, 5, checkpoint.checkpointsCount)
		assert.Equal(t, 4, maxCheckPointCountFromCheckpoints(list))
		serialized := readMetadata(t, dir, list[len(list)-1])
		assert.Equal(t, "gzip", serialized.BinFormat)
		assert.Len(t, serialized.Variables, len(model.VariablesMap(m)))
	}

	// A model with different weights gets the saved ones.
	{
		m := smallModel(t, 2)
		assert.False(t, tensors.Equal(want, must.M1(m.Forward(tokens))))
		checkpoint, err := Load(m).Dir(dir).Keep(3).Done()
		require.NoError(t, err)
		assert.True(t, tensors.Equal(want, must.M1(m.Forward(tokens))))
		assert.Empty(t, checkpoint.LoadedVariables())

		params := checkpoint.Params()
		assert.Equal(t, 0.01, params["learning_rate"])
		assert.Equal(t, 4, params["rank"])
		assert.Equal(t, []string{"q_lin", "v_lin"}, params["targets"])

		checkpoint.SetParam("rank", 8)
		assert.Equal(t, 8, checkpoint.Params()["rank"])
		require.NoError(t, checkpoint.Save())
		list := must.M1(checkpoint.ListCheckpoints())
		assert.Len(t, list, 3)
		assert.Equal(t, 5, maxCheckPointCountFromCheckpoints(list))
		serialized := readMetadata(t, dir, list[len(list)-1])
		assert.Len(t, serialized.Params, 3)
	}
	assert.NoErrorf(t, os.RemoveAll(dir), "Removing directory used for testing %q", dir)
}

func TestTrainableOnly(t *testing.T) {
	loraConfig := lora.Config{Rank: 2, Alpha: 4, Seed: 3}
	dir := t.TempDir()
	var want *tensors.Tensor
	var numTrainable int
	{
		m := smallModel(t, 1)
		adapters := must.M1(lora.Apply(m, loraConfig))
		src := initializer.NewSource(7)
		for _, layer := range adapters {
			b := layer.(*lora.Linear).B()
			require.NoError(t, b.SetValue(initializer.Normal(src, 1)(b.Shape()...)))
		}
		want = must.M1(m.Forward(tokens))
		numTrainable = model.CountTrainableParameters(m)
		checkpoint := must.M1(Build(m).Dir(dir).TrainableOnly().WithCompression(BinUncompressed).Done())
		require.NoError(t, checkpoint.Save())

		list := must.M1(checkpoint.ListCheckpoints())
		require.Len(t, list, 1)
		serialized := readMetadata(t, dir, list[0])
		assert.Equal(t, "uncompressed", serialized.BinFormat)
		require.Len(t, serialized.Variables, 2*len(adapters))
		var saved int
		for _, varInfo := range serialized.Variables {
			assert.True(t, varInfo.Trainable)
			assert.Equal(t, dtypes.Float32, varInfo.DType)
			saved += varInfo.Length / 4
		}
		assert.Equal(t, numTrainable, saved)
	}

	// Same base model (same seed), fresh adapters: loading restores the trained adapters.
	{
		m := smallModel(t, 1)
		must.M1(lora.Apply(m, loraConfig))
		assert.False(t, tensors.Equal(want, must.M1(m.Forward(tokens))))
		_ = must.M1(Build(m).Dir(dir).Done())
		assert.True(t, tensors.Equal(want, must.M1(m.Forward(tokens))))
	}

	// Embedded checkpoint.
	{
		list, err := os.ReadDir(dir)
		require.NoError(t, err)
		var jsonBlob, binBlob []byte
		for _, entry := range list {
			filePath := path.Join(dir, entry.Name())
			switch path.Ext(filePath) {
			case JsonNameSuffix:
				jsonBlob = must.M1(os.ReadFile(filePath))
			case BinDataSuffix:
				binBlob = must.M1(os.ReadFile(filePath))
			}
		}
		m := smallModel(t, 1)
		must.M1(lora.Apply(m, loraConfig))
		checkpoint, err := Build(m).FromEmbed(string(jsonBlob), binBlob).Done()
		require.NoError(t, err)
		assert.True(t, tensors.Equal(want, must.M1(m.Forward(tokens))))
		require.Error(t, checkpoint.Save(), "embedded checkpoints can't be saved")
	}
}

func TestHalfPrecision(t *testing.T) {
	dir := t.TempDir()
	m := smallModel(t, 1)
	checkpoint := must.M1(Build(m).Dir(dir).HalfPrecision().Done())
	require.NoError(t, checkpoint.Save())
	list := must.M1(checkpoint.ListCheckpoints())
	serialized := readMetadata(t, dir, list[0])
	assert.Equal(t, dtypes.Float16, serialized.Variables[0].DType)
	assert.Equal(t, 2*30*8, serialized.Variables[0].Length)

	m2 := smallModel(t, 2)
	_ = must.M1(Build(m2).Dir(dir).Done())
	vars2 := model.VariablesMap(m2)
	for name, v := range m.Variables() {
		assert.InDeltaSlicef(t, v.Value().Data(), vars2[name].Value().Data(), 2e-3, "variable %q", name)
	}
}

// namedVars is a ParameterSource over a fixed list of variables.
type namedVars struct {
	names []string
	vars  []*model.Variable
}

func (n *namedVars) Variables() iter.Seq2[string, *model.Variable] {
	return func(yield func(string, *model.Variable) bool) {
		for ii, name := range n.names {
			if !yield(name, n.vars[ii]) {
				return
			}
		}
	}
}

func TestTakeMean(t *testing.T) {
	dir := t.TempDir()
	x := model.NewVariable(must.M1(tensors.FromValues([]float32{1, 1, 1}, 3)), true)
	y := model.NewVariable(must.M1(tensors.FromValues([]float32{4, 4}, 2)), false)
	src := &namedVars{names: []string{"x", "y"}, vars: []*model.Variable{x, y}}
	checkpoint := must.M1(Build(src).Dir(dir).Keep(2).Done())
	require.NoError(t, checkpoint.Save())
	require.NoError(t, x.SetValue(must.M1(tensors.FromValues([]float32{3, 5, 7}, 3))))
	require.NoError(t, y.SetValue(must.M1(tensors.FromValues([]float32{10, 10}, 2))))
	require.NoError(t, checkpoint.Save())

	x2 := model.NewVariable(tensors.New(3), true)
	y2 := model.NewVariable(tensors.New(2), false)
	src2 := &namedVars{names: []string{"x", "y"}, vars: []*model.Variable{x2, y2}}
	_ = must.M1(Build(src2).Dir(dir).TakeMean(-1).Done())
	assert.Equal(t, []float32{2, 3, 4}, x2.Value().Data(), "trainable variables are averaged")
	assert.Equal(t, []float32{10, 10}, y2.Value().Data(), "frozen variables come from the last checkpoint")
}

func TestLoadErrors(t *testing.T) {
	m := smallModel(t, 1)
	_, err := Load(m).Dir(path.Join(t.TempDir(), "missing")).Done()
	require.Error(t, err)
	_, err = Load(m).Dir(t.TempDir()).Done()
	require.Error(t, err)
	_, err = Build(m).Done()
	require.Error(t, err)

	// Shape mismatch when loading.
	dir := t.TempDir()
	v := model.NewVariable(tensors.New(3), true)
	require.NoError(t, must.M1(Build(&namedVars{names: []string{"v"}, vars: []*model.Variable{v}}).Dir(dir).Done()).Save())
	other := model.NewVariable(tensors.New(4), true)
	_, err = Build(&namedVars{names: []string{"v"}, vars: []*model.Variable{other}}).Dir(dir).Done()
	require.ErrorIs(t, err, model.ErrShapeMismatch)

	// Unknown variables are kept and saved again.
	unrelated := model.NewVariable(tensors.New(2), true)
	checkpoint := must.M1(Build(&namedVars{names: []string{"w"}, vars: []*model.Variable{unrelated}}).Dir(dir).Done())
	assert.Contains(t, checkpoint.LoadedVariables(), "v")
	require.NoError(t, checkpoint.Save())
	list := must.M1(checkpoint.ListCheckpoints())
	serialized := readMetadata(t, dir, list[len(list)-1])
	require.Len(t, serialized.Variables, 2)
	assert.Equal(t, "w", serialized.Variables[0].Name)
	assert.Equal(t, "v", serialized.Variables[1].Name)
}

func TestDirFromBase(t *testing.T) {
	baseDir := t.TempDir()
	m := smallModel(t, 1)
	checkpoint := must.M1(Build(m).DirFromBase("run_1", baseDir).Done())
	assert.Equal(t, path.Join(baseDir, "run_1"), checkpoint.Dir())
	assert.False(t, must.M1(checkpoint.HasCheckpoints()))
	require.NoError(t, checkpoint.Save())
	assert.True(t, must.M1(checkpoint.HasCheckpoints()))

	// Absolute paths ignore the base directory.
	absDir := path.Join(t.TempDir(), "run_2")
	checkpoint = must.M1(Build(m).DirFromBase(absDir, baseDir).Done())
	assert.Equal(t, absDir, checkpoint.Dir())
}

func TestReadTensorChecksShape(t *testing.T) {
	// Shapes whose size overflows are rejected before allocating.
	_, err := readTensor(nil, serializedVar{Name: "x", Dimensions: []int{3037000500, 3037000500}, Length: 16})
	require.Error(t, err)
	_, err = readTensor(nil, serializedVar{Name: "x", Dimensions: []int{1 << 40, 1 << 40, 1 << 40}, Length: 16})
	require.Error(t, err)
	_, err = readTensor(nil, serializedVar{Name: "x", Dimensions: []int{2, -1}, Length: 16})
	require.Error(t, err)

	// Length must match the shape.
	_, err = readTensor(nil, serializedVar{Name: "x", Dimensions: []int{1 << 30, 1 << 20}, Length: 16})
	require.Error(t, err)
	_, err = readTensor(nil, serializedVar{Name: "x", Dimensions: []int{2, 3}, DType: dtypes.Float16, Length: 24})
	require.Error(t, err)

	var buf bytes.Buffer
	x := must.M1(tensors.FromValues([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	n := must.M1(writeTensor(&buf, x, dtypes.Float16))
	assert.Equal(t, 12, n)
	got, err := readTensor(&buf, serializedVar{Name: "x", Dimensions: []int{2, 3}, DType: dtypes.Float16, Length: n})
	require.NoError(t, err)
	assert.True(t, tensors.Equal(x, got))

	_, err = writeTensor(&buf, x, dtypes.Int32)
	require.Error(t, err)
}
