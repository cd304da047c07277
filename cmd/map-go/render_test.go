package main

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greencoins/map-go/internal/config"
	"greencoins/map-go/internal/reports"
)

const reportsJSON = `{"reports":[
 {"id":"a1","title":"Overflowing bin","latitude":28.61,"longitude":77.21,"status":"pending","priority":"high"},
 {"id":"b2","title":"Streetlight","latitude":28.62,"longitude":77.22,"status":"in-progress","priority":"urgent"},
 {"id":"c3","title":"Bad row","latitude":95,"longitude":77.2,"status":"pending","priority":"low"}
]}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadReportsFile_EnvelopeAndNormalization(t *testing.T) {
	list, err := readReportsFile(writeFile(t, "reports.json", reportsJSON))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, reports.StatusInProgress, list[1].Status)
	assert.Equal(t, reports.PriorityLow, list[1].Priority)
}

func TestReadReportsFile_BareArray(t *testing.T) {
	list, err := readReportsFile(writeFile(t, "reports.json", `[{"id":"x","latitude":1,"longitude":2,"status":"resolved","priority":"medium"}]`))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, reports.StatusResolved, list[0].Status)
}

func TestReadReportsFile_Invalid(t *testing.T) {
	_, err := readReportsFile(writeFile(t, "reports.json", `not json`))
	require.Error(t, err)
}

func TestRender_WritesPNG(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	out := filepath.Join(t.TempDir(), "heat.png")

	err := render(context.Background(), cfg, renderFlags{
		output:  out,
		input:   writeFile(t, "reports.json", reportsJSON),
		width:   320,
		height:  240,
		caption: "test",
		timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())
}

func TestRender_RejectsEmptySize(t *testing.T) {
	err := render(context.Background(), config.Default(), renderFlags{width: 0, height: 10, timeout: time.Second})
	require.Error(t, err)
}

func TestRender_NeedsSource(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseURL = ""
	err := render(context.Background(), cfg, renderFlags{output: filepath.Join(t.TempDir(), "x.png"), width: 10, height: 10, timeout: time.Second})
	require.Error(t, err)
}
