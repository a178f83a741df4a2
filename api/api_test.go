package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T, rawQuery string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/models/test?"+rawQuery, nil)
	return c, w
}

func TestOptionsFromQueryDefaults(t *testing.T) {
	c, _ := testContext(t, "")

	opts, err := optionsFromQuery(c)
	require.NoError(t, err)

	assert.Equal(t, []int{8, 9, 10, 11}, opts.ModelOptions.SwapLayers)
	assert.Equal(t, 1.0, opts.ModelOptions.Alpha)
	assert.Equal(t, 100, opts.HParams.Epochs)
	assert.Equal(t, 4, opts.HParams.BatchSize)
}

func TestOptionsFromQueryOverrides(t *testing.T) {
	c, _ := testContext(t, "epochs=50&batch=2&lr=0.001&alpha=0.7&swaplayers=10,11")

	opts, err := optionsFromQuery(c)
	require.NoError(t, err)

	assert.Equal(t, 50, opts.HParams.Epochs)
	assert.Equal(t, 2, opts.HParams.BatchSize)
	assert.Equal(t, 0.001, opts.HParams.LearningRate)
	assert.Equal(t, 0.7, opts.ModelOptions.Alpha)
	assert.Equal(t, []int{10, 11}, opts.ModelOptions.SwapLayers)
}

func TestOptionsFromQueryInvalid(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"bad epochs", "epochs=ten"},
		{"bad batch", "batch=x"},
		{"bad lr", "lr=fast"},
		{"bad alpha", "alpha=much"},
		{"bad swap layers", "swaplayers=8,nine"},
		{"alpha out of range", "alpha=2"},
		{"swap layer out of range", "swaplayers=12"},
		{"zero epochs", "epochs=0"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, _ := testContext(t, test.query)

			_, err := optionsFromQuery(c)
			assert.Error(t, err)
		})
	}
}

func TestError(t *testing.T) {
	c, w := testContext(t, "")

	Error(c, http.StatusBadRequest, errors.New("boom"))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body HTTPError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "boom", body.Error)
}
