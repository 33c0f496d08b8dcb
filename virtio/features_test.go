package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeature_Pages(t *testing.T) {
	f := FeatureVersion1 | FeatureNetMAC | FeatureNetCsum

	assert.EqualValues(t, 0x21, f.Page(0))
	assert.EqualValues(t, 0x1, f.Page(1))
	assert.EqualValues(t, 0, f.Page(2))

	var acked Feature
	acked = acked.WithPage(0, uint32(FeatureNetMAC))
	acked = acked.WithPage(1, 1)
	acked = acked.WithPage(7, 0xffffffff)
	assert.Equal(t, FeatureVersion1|FeatureNetMAC, acked)
	assert.True(t, acked.Has(FeatureVersion1))
	assert.False(t, acked.Has(FeatureNetCsum))
}

func TestFeature_String(t *testing.T) {
	assert.Equal(t, "none", Feature(0).String())
	assert.Equal(t, "csum|mac|version_1", (FeatureVersion1 | FeatureNetMAC | FeatureNetCsum).String())
	assert.Equal(t, "bit40", Feature(1<<40).String())
}
