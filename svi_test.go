package svi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOptions_RequiresExactlyOneInput(t *testing.T) {
	base := Options{Provider: "mly"}

	err := validateOptions(base)
	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)

	withPoint := base
	withPoint.Point = true
	assert.NoError(t, validateOptions(withPoint))

	both := withPoint
	both.InputCSVFile = "points.csv"
	require.ErrorAs(t, validateOptions(both), &invalid)
}

func TestValidateOptions_RejectsUnknownProvider(t *testing.T) {
	var invalid *InvalidInputError
	require.ErrorAs(t, validateOptions(Options{Provider: "bing", Point: true}), &invalid)
}

func TestParseDateRange_MalformedDateFailsAsInvalidInput(t *testing.T) {
	var invalid *InvalidInputError

	_, _, err := parseDateRange("not-a-date", "")
	require.ErrorAs(t, err, &invalid)

	_, _, err = parseDateRange("", "2020-13-45")
	require.ErrorAs(t, err, &invalid)
}

func TestParseDateRange_EndDateCoversWholeDay(t *testing.T) {
	start, end, err := parseDateRange("2020-01-01", "2020-12-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), start)

	// A pano captured at any time on 2020-12-31 must pass the filter.
	lastMoment := time.Date(2020, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.False(t, end.Before(lastMoment))
	assert.True(t, end.Before(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseDateRange_EmptyBoundsAreZero(t *testing.T) {
	start, end, err := parseDateRange("", "")
	require.NoError(t, err)
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())
}

func TestLayoutFor(t *testing.T) {
	pids, images, logPath := layoutFor("/out", "gsv")
	assert.Equal(t, "/out/gsv_pids.csv", pids)
	assert.Equal(t, "/out/gsv_panorama", images)
	assert.Equal(t, "/out/log.log", logPath)

	pids, images, _ = layoutFor("/out", "mly")
	assert.Equal(t, "/out/mly_pids.csv", pids)
	assert.Equal(t, "/out/mly_svi", images)
}

func TestInputKind_Dispatch(t *testing.T) {
	assert.Equal(t, "point", string(inputKind(Options{Point: true})))
	assert.Equal(t, "csv", string(inputKind(Options{InputCSVFile: "a.csv"})))
	assert.Equal(t, "shapefile", string(inputKind(Options{InputShpFile: "a.shp"})))
	assert.Equal(t, "geojson", string(inputKind(Options{InputGeoJSONFile: "a.geojson"})))
	assert.Equal(t, "place", string(inputKind(Options{InputPlaceName: "Singapore"})))
}
