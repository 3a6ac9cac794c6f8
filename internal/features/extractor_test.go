package features

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/reco/pkg/types"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / math.Sqrt(na*nb)
}

func TestExtract_NormalizedAndDeterministic(t *testing.T) {
	x := NewHashingExtractor(512)
	attrs := map[string]interface{}{
		"price":    99.99,
		"category": "electronics",
		"in_stock": true,
		"tags":     []interface{}{"new", "sale"},
	}

	v, err := x.Extract(attrs)
	require.NoError(t, err)
	require.Len(t, v, 512)
	assert.True(t, types.ValidateVector(v, 512))

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	again, err := x.Extract(attrs)
	require.NoError(t, err)
	assert.Equal(t, v, again)
}

func TestExtract_SharedCategoriesAreSimilar(t *testing.T) {
	x := NewHashingExtractor(1024)

	shoe, err := x.Extract(map[string]interface{}{"category": "shoes", "color": "red"})
	require.NoError(t, err)
	sameShoe, err := x.Extract(map[string]interface{}{"color": "red", "category": "shoes"})
	require.NoError(t, err)
	book, err := x.Extract(map[string]interface{}{"category": "books", "color": "blue"})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, cosine(shoe, sameShoe), 1e-6, "key order does not matter")
	assert.Less(t, cosine(shoe, book), cosine(shoe, sameShoe))
}

func TestExtract_NumbersAreClamped(t *testing.T) {
	x := NewHashingExtractor(64)

	high, err := x.Extract(map[string]interface{}{"score": 7.0})
	require.NoError(t, err)
	one, err := x.Extract(map[string]interface{}{"score": 1})
	require.NoError(t, err)
	assert.Equal(t, high, one)

	_, err = x.Extract(map[string]interface{}{"score": -3.0})
	assert.ErrorIs(t, err, ErrNoFeatures)
}

func TestExtract_JSONDecodedAttributes(t *testing.T) {
	x := NewHashingExtractor(64)

	var attrs map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"brand":"acme","dims":{"w":0.5}},"tags":["a","b"]}`), &attrs))
	v, err := x.Extract(attrs)
	require.NoError(t, err)
	assert.True(t, types.ValidateVector(v, 64))
}

func TestExtract_NothingUsable(t *testing.T) {
	x := NewHashingExtractor(16)

	for name, attrs := range map[string]map[string]interface{}{
		"empty":      {},
		"false only": {"discontinued": false},
		"null":       {"note": nil},
		"empty list": {"tags": []interface{}{}},
		"too deep":   {"a": map[string]interface{}{"b": map[string]interface{}{"c": map[string]interface{}{"d": "x"}}}},
	} {
		_, err := x.Extract(attrs)
		assert.ErrorIs(t, err, ErrNoFeatures, name)
	}

	v, err := x.Extract(map[string]interface{}{"a": map[string]interface{}{"b": map[string]interface{}{"c": "x"}}})
	require.NoError(t, err, "three levels are read")
	assert.Len(t, v, 16)

	_, err = NewHashingExtractor(0).Extract(map[string]interface{}{"a": "b"})
	assert.Error(t, err)
}

func TestFill(t *testing.T) {
	x := NewHashingExtractor(8)

	e := &types.Entity{Attributes: map[string]interface{}{"genre": "jazz"}}
	filled, err := Fill(x, e)
	require.NoError(t, err)
	assert.True(t, filled)
	assert.Len(t, e.FeatureVector, 8)

	explicit := &types.Entity{FeatureVector: []float32{1, 0}, Attributes: map[string]interface{}{"genre": "jazz"}}
	filled, err = Fill(x, explicit)
	require.NoError(t, err)
	assert.False(t, filled, "an explicit vector wins")
	assert.Equal(t, []float32{1, 0}, explicit.FeatureVector)

	bare := &types.Entity{Attributes: map[string]interface{}{"discontinued": false}}
	filled, err = Fill(x, bare)
	require.NoError(t, err)
	assert.False(t, filled)
	assert.Nil(t, bare.FeatureVector)

	filled, err = Fill(nil, &types.Entity{Attributes: map[string]interface{}{"genre": "jazz"}})
	require.NoError(t, err)
	assert.False(t, filled)
}
