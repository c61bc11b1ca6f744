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

// Package checkpoints implements checkpoint management: saving and loading the variables of a model
// (any model.ParameterSource) to files, or loading them from an embedded checkpoint.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previously saved checkpoint exists, it will automatically load the variables
// (matched by name) into the model.
// One can call Handler.Save() at any time to save a new checkpoint.
//
// Each checkpoint is a pair of files: a JSON file with the metadata (parameters and the name, shape and
// position of each variable), and a binary file with the values, optionally gzip compressed.
//
// Example: save only the LoRA adapters (the trainable variables) of a model, keeping the last 3 checkpoints:
//
//	m := must.M1(distilbert.New(distilbert.DefaultConfig()))
//	_ = must.M1(lora.Apply(m, loraConfig))
//	checkpoint := must.M1(checkpoints.Build(m).Dir(*flagCheckpoint).Keep(3).TrainableOnly().Done())
//	…
//	must.M(checkpoint.Save())
//
// Example 2: To load a checkpoint from an embedded checkpoint, something usually used to distribute a model for
// inference:
//
//	//go:embed "my_adapter/checkpoint.json"
//	var myAdapterJson string
//
//	//go:embed "my_adapter/checkpoint.bin"
//	var myAdapterBin []byte
//
//	...
//	_ = checkpoints.Build(m).FromEmbed(myAdapterJson, myAdapterBin).MustDone()
package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	src model.ParameterSource

	err error

	// One of the two are set: dir or jsonReader+binReader.
	dir                   string
	jsonReader, binReader io.Reader

	keep     int
	mustLoad bool
	takeMean int

	trainableOnly bool
	params        map[string]any

	binFormat BinFormat    // the compression format
	dtype     dtypes.DType // the dtype used to store the values.
}

// Build a configuration for building a checkpoints.Handler for the variables of src.
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// The new checkpoints.Handler will load the latest checkpoint into the variables of src
// (see Config.Dir, Config.DirFromBase or Config.FromEmbed to specify where to load/save)
// if it exists, otherwise it creates a new directory and can simply be used to save checkpoints.
func Build(src model.ParameterSource) *Config {
	return &Config{
		src:      src,
		keep:     1,
		takeMean: 1,
		params:   make(map[string]any),
	}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the checkpoint does not already exist.
//
// Use Dir or DirWithBase to configure the location of the checkpoint.
// Once configured, call Config.Done to actually load it.
func Load(src model.ParameterSource) *Config {
	c := Build(src)
	c.mustLoad = true
	return c
}

// setError keeps the first error.
func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		// Directory exists, all fine.
		return c
	}
	if c.mustLoad {
		c.setError(errors.Wrapf(err, "checkpoint directory %q does not exist or cannot be accessed", dir))
		return c
	}

	// Create the directory.
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If `dir` is not an absolute path, assumes it is a subdirectory of baseDir.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = fsutil.MustReplaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// If dir is the empty string, MkdirTemp uses the default directory for temporary files, as returned
// by os.TempDir.
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	err = os.Chmod(c.dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// FromEmbed allows one to load a checkpoint from an embedded checkpoint (using the go:embed tag).
//
// You must set only one of Dir(or DirFromBase) or FromEmbed, but not both.
func (c *Config) FromEmbed(json string, binary []byte) *Config {
	var err error
	c.jsonReader = bytes.NewBufferString(json)
	c.binReader, err = getLoadVarFilesFromReader(bytes.NewReader(binary))
	if err != nil {
		c.setError(errors.WithMessage(err, "reading embedded checkpoint binary data"))
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean loads the mean of the last `n` checkpoints.
// If `n <= 0`, take the mean of all available checkpoints.
// Notice that only variables that are currently trainable in the model are averaged, the others are taken
// from the most recent checkpoint.
//
// The default is 1, so only load the most recent checkpoint.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// TrainableOnly configures the Handler to save only the variables that are trainable when Save is called,
// e.g.: only the LoRA adapters of a frozen model.
//
// Loading is not affected: any variable stored in the checkpoint is loaded.
func (c *Config) TrainableOnly() *Config {
	c.trainableOnly = true
	return c
}

// WithParams sets the parameters to be saved along with the checkpoint (e.g.: the LoRA configuration).
// They can be read back with Handler.Params. Values should be JSON serializable: numbers, strings, bools and
// slices of those.
func (c *Config) WithParams(params map[string]any) *Config {
	for key, value := range params {
		c.params[key] = value
	}
	return c
}

// WithCompression sets the binary format to the provided value. The default configuration is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinGZIP && bf != BinUncompressed {
		c.binFormat = BinGZIP
	}
	return c
}

// HalfPrecision configures the Handler to store the values as float16, halving the size of the checkpoints.
// Values are converted back to float32 when loaded.
func (c *Config) HalfPrecision() *Config {
	c.dtype = dtypes.Float16
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
//
// If there is a previous checkpoint, it is loaded into the model.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.src == nil {
		return nil, errors.New("checkpoints: no model given to Build")
	}
	if c.dir == "" && c.jsonReader == nil {
		return nil, errors.Errorf("directory for checkpoints not configured or empty, and no embedded model configured")
	}
	if c.dir != "" && c.jsonReader != nil {
		return nil, errors.Errorf("cannot use both Dir/DirFromBase and FromEmbed at the same time, choose one.")
	}
	handler := &Handler{config: c, serialized: &serializedData{}, variableValues: make(map[string]*tensors.Tensor)}

	if c.dir != "" {
		// Load (if checkpoints exist) from a directory.
		checkpoints, err := handler.ListCheckpoints()
		if err != nil {
			return nil, err
		}
		if len(checkpoints) == 0 && c.mustLoad {
			return nil, errors.Errorf("no checkpoints found in %q", c.dir)
		}
		handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
		if len(checkpoints) > 0 {
			takeMean := c.takeMean
			if takeMean <= 0 || takeMean > len(checkpoints) {
				takeMean = len(checkpoints)
			}
			if takeMean == 1 {
				// Just load most recent checkpoint.
				err = handler.loadCheckpointFromFile(checkpoints[len(checkpoints)-1], false, 0)
			} else {
				err = handler.takeMean(checkpoints[len(checkpoints)-takeMean:])
			}
			if err != nil {
				return nil, err
			}
		}
	} else {
		// Load from an embedded checkpoint.
		err := handler.loadCheckpoint(c.jsonReader, c.binReader, false, 0)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load checkpoint from embedded checkpoint (json+bin blobs) given")
		}
		// Don't keep links to the data, since it's no longer used.
		handler.config.jsonReader = nil
		handler.config.binReader = nil
	}
	if err := handler.setVariables(); err != nil {
		return nil, err
	}
	return handler, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "Failed to create checkpoints.Handler"))
	}
	return h
}

// Handler handles saving and loading of checkpoints for a model. See an example in the
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading happens at its creation time: it loads from the latest checkpoint, and sets the
// values of the variables of the model with matching names. Values loaded with names
// not present in the model are kept by the Handler, and saved again in the next checkpoint:
// this allows one to load a full model checkpoint, change a part of it, and save it again with everything.
//
// Saving of checkpoints is explicit, by calling Handler.Save().
type Handler struct {
	config *Config

	serialized     *serializedData
	variableValues map[string]*tensors.Tensor

	checkpointsCount int
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	Params []serializedParam

	// Variables lists the variables stored, in order.
	Variables []serializedVar

	// BinFormat describes the format used by the binary file. It is informative.
	// The current valid values are "gzip" and "uncompressed"
	BinFormat string
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// Name is the dotted name of the variable in the model.
	Name string

	// Dimensions of the shape.
	Dimensions []int

	// DType in which the values are stored: dtypes.Float32 or dtypes.Float16.
	DType dtypes.DType

	// Trainable state of the variable when it was saved. It is informative.
	Trainable bool

	// Pos, Length in bytes in the file.
	Pos, Length int
}

// serializedParam represents a serialized parameter.
// It includes the original ValueType, because Json decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type serializedParam struct {
	Key       string
	Value     any
	ValueType string
}

// jsonDecodeTypeConvert attempts to convert the Value decoded by Json into
// the original ValueType.
//
// E.g.: Json decoder will decode all numbers to float64. So we cast it to the
// given ValueType.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		// All numbers when converted to `any` by the json decoders become float64,
		// here we convert them back.
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int64":
			p.Value = int64(value)
		case "uint64":
			p.Value = uint64(value)
		case "float32":
			p.Value = float32(value)
		}

	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = convertSlice(value, func(f float64) int { return int(f) })
		case "[]float64":
			p.Value = convertSlice(value, func(f float64) float64 { return f })
		case "[]string":
			p.Value = convertSlice(value, func(s string) string { return s })
		}

	case string:
		// Named string types (e.g. lora.BiasMode) are restored as plain strings.
		return

	default:
		// No other types converted for now.
		return
	}
}

// convertSlice converts the values of a JSON decoded slice, ignoring values that are not of type T.
func convertSlice[T, R any](values []any, fn func(T) R) []R {
	converted := make([]R, 0, len(values))
	for _, v := range values {
		if t, ok := v.(T); ok {
			converted = append(converted, fn(t))
		}
	}
	return converted
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName() string {
	now := time.Now().Format("20060102-150405")
	kind := "full"
	if h.config.trainableOnly {
		kind = "trainable"
	}
	return fmt.Sprintf("%sn%07d-%s-%s", baseNamePrefix, h.checkpointsCount, now, kind)
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"
)

// ListCheckpoints returns the base file paths of the checkpoints in the directory in time order (older first).
//
// The actual paths are these base file paths suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	if h.config.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		baseName := fileName[:len(fileName)-len(JsonNameSuffix)]
		checkpoints = append(checkpoints, baseName)
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints, so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}
	return maxId
}

// loadCheckpointFromFile loads a specific checkpoint file.
//
// If `merge` is set to false, loading a different checkpoint discards the previous checkpoint read.
// If `merge` is set to true, only trainable variables are merged into the current values, using
// `mergeWeight` for the new values.
func (h *Handler) loadCheckpointFromFile(baseName string, merge bool, mergeWeight float64) error {
	klog.V(1).Infof("loading: %q\n", baseName)

	// Open files for reading.
	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	f, err := os.Open(binFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = f.Close() }()
	binFile, err := getLoadVarFilesFromReader(f)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint data file %s", h, binFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	defer func() { _ = jsonFile.Close() }()
	if err = h.loadCheckpoint(jsonFile, binFile, merge, mergeWeight); err != nil {
		err = errors.WithMessagef(err,
			"failed loading checkpoint from %s{%s,%s}", baseName, JsonNameSuffix, BinDataSuffix)
		return err
	}
	return nil
}

// loadCheckpoint from a jsonReader (io.Reader) for configuration, and a binReader with the actual data for the variables.
func (h *Handler) loadCheckpoint(jsonReader, binReader io.Reader, merge bool, mergeWeight float64) error {
	// Read metadata.
	dec := json.NewDecoder(jsonReader)
	var serialized *serializedData
	if err := dec.Decode(&serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to decode contents of checkpoint", h)
	}
	if serialized == nil {
		return errors.Errorf("%s: empty checkpoint metadata", h)
	}
	for ii := range serialized.Params {
		// Recover original type where possible.
		serialized.Params[ii].jsonDecodeTypeConvert()
	}
	if !merge {
		// We are loading all the variables, as opposed to merging them.
		h.serialized = serialized
		h.variableValues = make(map[string]*tensors.Tensor, len(serialized.Variables))
	}

	var trainable map[string]bool
	if merge {
		trainable = make(map[string]bool)
		for name, v := range h.config.src.Variables() {
			trainable[name] = v.Trainable
		}
	}

	// Load variable values: we assume they are stored in order.
	var memoryPos int
	for _, varInfo := range serialized.Variables {
		if varInfo.Pos != memoryPos {
			return errors.Errorf("variable %q position at %d is out-of-order, expected it to be in %d",
				varInfo.Name, varInfo.Pos, memoryPos)
		}
		memoryPos += varInfo.Length
		tensor, err := readTensor(binReader, varInfo)
		if err != nil {
			return errors.WithMessagef(err, "%s: reading variable %q at position %d", h, varInfo.Name, varInfo.Pos)
		}

		if !merge {
			h.variableValues[varInfo.Name] = tensor
			continue
		}
		// Merge value: running mean of the trainable variables.
		current, found := h.variableValues[varInfo.Name]
		if !found || !trainable[varInfo.Name] || !current.SameShape(tensor) {
			// Variable was not found in the last checkpoint or not merge-able, just ignore it.
			continue
		}
		merged, err := tensors.AddScaled(tensors.Scale(current, float32(1-mergeWeight)), tensor, float32(mergeWeight))
		if err != nil {
			return errors.WithMessagef(err, "when taking the mean of variable %q", varInfo.Name)
		}
		h.variableValues[varInfo.Name] = merged
	}
	return nil
}

// takeMean will load the checkpoints pointed by baseNames and take the mean of those.
// It takes the mean only for trainable variables, everything else it just takes
// the value from the last checkpoint.
//
// The mean is taken one tensor at a time, so at any time there is only one copy
// of the model weights in memory, plus the tensor being merged.
func (h *Handler) takeMean(baseNames []string) error {
	// First load the last checkpoint.
	err := h.loadCheckpointFromFile(baseNames[len(baseNames)-1], false, 0)
	if err != nil {
		return err
	}
	// Then merge all other weights: the order doesn't matter.
	for ii, baseName := range baseNames[:len(baseNames)-1] {
		mergeWeight := 1.0 / (float64(ii) + 2.0)
		err = h.loadCheckpointFromFile(baseName, true, mergeWeight)
		if err != nil {
			return err
		}
	}
	return nil
}

// setVariables sets the values loaded into the matching variables of the model, and "consumes" them:
// what is left in variableValues are values with no matching variable.
func (h *Handler) setVariables() error {
	for name, v := range h.config.src.Variables() {
		value, found := h.variableValues[name]
		if !found {
			continue
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "%s: loading variable %q", h, name)
		}
		delete(h.variableValues, name)
	}
	if len(h.variableValues) > 0 && klog.V(1).Enabled() {
		for name := range h.variableValues {
			klog.Infof("%s: variable %q loaded from checkpoint not found in the model, it will be kept", h, name)
		}
	}
	return nil
}

// Save creates a new checkpoint and saves the variables of the model (only the trainable ones if configured
// with TrainableOnly) and the parameters.
//
// Variables previously loaded that didn't match any variable of the model are also saved.
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save() error {
	if h == nil {
		return nil
	}
	if h.config.dir == "" {
		return errors.Errorf("%s: no directory configured, can't save checkpoints loaded with FromEmbed", h)
	}
	h.serialized.BinFormat = h.config.binFormat.String()
	h.serialized.Params = h.serializedParams()

	// Create files.
	baseName := h.newCheckpointBaseName()
	h.checkpointsCount++ // Bump unique number.
	varFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	varFile, err := getSaveVarFiles(varFileName, h.config.binFormat)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}

	h.serialized.Variables = nil
	pos := 0
	saveVar := func(name string, tensor *tensors.Tensor, trainable bool) error {
		n, err := writeTensor(varFile, tensor, h.config.dtype)
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to write variable %s", h, name)
		}
		h.serialized.Variables = append(h.serialized.Variables, serializedVar{
			Name:       name,
			Dimensions: tensor.Shape(),
			DType:      storageDType(h.config.dtype),
			Trainable:  trainable,
			Pos:        pos,
			Length:     n,
		})
		pos += n
		return nil
	}

	// Loop over variables of the model.
	for name, v := range h.config.src.Variables() {
		if h.config.trainableOnly && !v.Trainable {
			continue
		}
		if err = saveVar(name, v.Value(), v.Trainable); err != nil {
			break
		}
	}

	// Loop over loaded variables not matching any variable of the model, in a deterministic order.
	if err == nil {
		names := make([]string, 0, len(h.variableValues))
		for name := range h.variableValues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err = saveVar(name, h.variableValues[name], false); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = varFile.Close()
		return err
	}
	if err := varFile.Flush(); err != nil {
		return errors.Wrapf(err, "%s: failed to flush checkpoint data file %s", h, varFileName)
	}
	if err := varFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	// Write all the metadata, including Params.
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	err = enc.Encode(&h.serialized)
	if err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	err = jsonFile.Close()
	if err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}
	klog.V(1).Infof("%s: saved %d variables to %q", h, len(h.serialized.Variables), baseName)
	// Remove excess checkpoints.
	return h.keepNCheckpoints()
}

// serializedParams merges the params loaded with the ones configured, the configured ones take precedence.
func (h *Handler) serializedParams() []serializedParam {
	params := h.Params()
	for key, value := range h.config.params {
		params[key] = value
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	serialized := make([]serializedParam, 0, len(keys))
	for _, key := range keys {
		value := params[key]
		serialized = append(serialized, serializedParam{Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
	}
	return serialized
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		varFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
		jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
		for _, fileName := range []string{varFileName, jsonFileName} {
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// Dir returns the directory the Handler is configured to.
// It cannot be changed once the Handler was created.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// Params returns a copy of the parameters loaded from the last checkpoint, merged with the ones
// configured with Config.WithParams.
func (h *Handler) Params() map[string]any {
	params := make(map[string]any)
	for _, p := range h.serialized.Params {
		params[p.Key] = p.Value
	}
	for key, value := range h.config.params {
		params[key] = value
	}
	return params
}

// SetParam sets a parameter to be saved with the next checkpoints. It takes precedence over the value loaded.
func (h *Handler) SetParam(key string, value any) {
	h.config.params[key] = value
}

// LoadedVariables returns the values loaded that didn't match any variable of the model. They are saved again
// with the next checkpoint.
//
// The Handler owns the returned map, don't change it.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}
