// Package features derives feature vectors from entity attributes, so an
// entity created without an explicit vector still takes part in similarity
// search.
//
// HashingExtractor maps every attribute onto a fixed-length vector with the
// hashing trick: the slot of a value is chosen by hashing its attribute path
// (and, for strings, the value itself). Entities sharing categorical values
// therefore share slots, whatever other attributes they carry.
package features

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/scrypster/reco/pkg/types"
)

// ErrNoFeatures is returned when the attributes yield an all-zero vector.
var ErrNoFeatures = errors.New("no usable attributes")

// DefaultMaxDepth is how many levels of nested objects are read.
const DefaultMaxDepth = 3

// Extractor computes a feature vector from attributes.
type Extractor interface {
	Extract(attributes map[string]interface{}) ([]float32, error)
	Dimension() int
}

// HashingExtractor encodes attributes as follows:
//   - numbers are clamped to [0, 1] and added at the slot of their path
//   - true adds 1 at the slot of its path; false adds nothing
//   - strings add 1 at the slot of "path=value"
//   - arrays contribute the mean of their elements
//   - objects are descended up to MaxDepth levels, extending the path
//
// The result is L2-normalized.
type HashingExtractor struct {
	dimension int
	maxDepth  int
}

// NewHashingExtractor creates an extractor producing vectors of length
// dimension.
func NewHashingExtractor(dimension int) *HashingExtractor {
	return &HashingExtractor{dimension: dimension, maxDepth: DefaultMaxDepth}
}

// Dimension returns the length of the produced vectors.
func (x *HashingExtractor) Dimension() int { return x.dimension }

// Extract returns the normalized feature vector for attributes, or
// ErrNoFeatures when nothing in them can be encoded.
func (x *HashingExtractor) Extract(attributes map[string]interface{}) ([]float32, error) {
	if x.dimension <= 0 {
		return nil, fmt.Errorf("features: dimension must be positive, got %d", x.dimension)
	}

	acc := make([]float64, x.dimension)
	// Sorted keys keep float summation order, and so the output, stable.
	for _, k := range sortedKeys(attributes) {
		x.encode(acc, k, attributes[k], 1, 1)
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	if norm == 0 {
		return nil, ErrNoFeatures
	}
	inv := 1 / math.Sqrt(norm)
	out := make([]float32, x.dimension)
	for i, v := range acc {
		out[i] = float32(v * inv)
	}
	return out, nil
}

func (x *HashingExtractor) encode(acc []float64, path string, value interface{}, weight float64, depth int) {
	switch v := value.(type) {
	case nil:
	case bool:
		if v {
			acc[x.slot(path)] += weight
		}
	case string:
		acc[x.slot(path+"="+v)] += weight
	case float64:
		acc[x.slot(path)] += weight * clamp01(v)
	case float32:
		acc[x.slot(path)] += weight * clamp01(float64(v))
	case int:
		acc[x.slot(path)] += weight * clamp01(float64(v))
	case int64:
		acc[x.slot(path)] += weight * clamp01(float64(v))
	case interface{ Float64() (float64, error) }: // json.Number
		if f, err := v.Float64(); err == nil {
			acc[x.slot(path)] += weight * clamp01(f)
		}
	case []string:
		for _, el := range v {
			acc[x.slot(path+"="+el)] += weight / float64(len(v))
		}
	case []interface{}:
		if depth > x.maxDepth {
			return
		}
		for _, el := range v {
			x.encode(acc, path, el, weight/float64(len(v)), depth+1)
		}
	case map[string]interface{}:
		if depth >= x.maxDepth {
			return
		}
		for _, k := range sortedKeys(v) {
			x.encode(acc, path+"."+k, v[k], weight, depth+1)
		}
	}
}

func (x *HashingExtractor) slot(key string) int {
	return int(xxhash.Sum64String(key) % uint64(x.dimension))
}

// Fill sets entity.FeatureVector from its attributes when the entity has no
// vector of its own. It reports whether a vector was computed; attributes
// that yield nothing leave the entity without a vector and are not an error.
func Fill(x Extractor, entity *types.Entity) (bool, error) {
	if x == nil || entity == nil || entity.HasVector() || len(entity.Attributes) == 0 {
		return false, nil
	}
	vec, err := x.Extract(entity.Attributes)
	if errors.Is(err, ErrNoFeatures) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	entity.FeatureVector = vec
	return true, nil
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
