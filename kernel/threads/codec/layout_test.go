package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutOffsets(t *testing.T) {
	assert.Equal(t, 48, metricsEnd)
	assert.Equal(t, 1104, OffsetForecast)
	assert.Equal(t, 1232, OffsetStateHash)
	assert.Equal(t, 1264, extendedEnd)
	assert.Equal(t, 56, compactEnd)
}

func TestLayoutFor(t *testing.T) {
	for _, v := range SupportedVersions() {
		l, err := LayoutFor(v)
		require.NoError(t, err)
		assert.Equal(t, v, l.Version)
		assert.NoError(t, l.ValidateSlotSize(l.DefaultSlotSize))
		assert.NoError(t, l.ValidateSlotSize(l.MinSlotSize))
	}

	ext, _ := LayoutFor(VersionExtended)
	assert.True(t, ext.Extended())
	assert.Equal(t, "extended(v1)", ext.String())

	compact, _ := LayoutFor(VersionCompact)
	assert.False(t, compact.Extended())

	_, err := LayoutFor(0)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestFormatErrorMatching(t *testing.T) {
	err := &FormatError{Code: CodeBadMagic, Message: "expected DAWN"}
	wrapped := errors.Join(errors.New("open ring"), err)

	assert.ErrorIs(t, wrapped, ErrBadMagic)
	assert.NotErrorIs(t, wrapped, ErrTruncated)
	assert.True(t, IsFormatError(wrapped))
	assert.False(t, IsFormatError(ErrFieldOverflow))
	assert.Equal(t, "ring format: BAD_MAGIC: expected DAWN", err.Error())
	assert.Equal(t, "ring format: TRUNCATED", ErrTruncated.Error())
}
