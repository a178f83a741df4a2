package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/constants"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/data"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/registry"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/stylizer"
)

// APIs holds the http handlers and their backing services.
type APIs struct {
	R *registry.Registry
	M *data.Manager
}

// ListModels returns the registered model names.
func (a *APIs) ListModels(c *gin.Context) {
	models := a.R.GetModels()
	c.JSON(http.StatusOK, gin.H{
		"models": models,
	})
}

// ShowModel returns a model's information.
func (a *APIs) ShowModel(c *gin.Context) {
	model := c.Param("model")
	_, verbose := c.GetQuery("verbose")

	if info := a.R.GetModel(model, verbose); info != nil {
		c.JSON(http.StatusOK, info)
	} else {
		Error(c, http.StatusBadRequest, fmt.Errorf("cannot find model info: %s", model))
	}
}

// StylizeDefault stylizes with the default model.
func (a *APIs) StylizeDefault(c *gin.Context) {
	a.stylize(c, constants.DefaultModelName)
}

// StylizeWithModel stylizes with the named model.
func (a *APIs) StylizeWithModel(c *gin.Context) {
	model := c.Param("model")
	a.stylize(c, model)
}

func (a *APIs) stylize(c *gin.Context, model string) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	var image bytes.Buffer
	if _, err = io.Copy(&image, file); err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	format := ""
	if idx := strings.LastIndex(header.Filename, "."); idx >= 0 {
		format = strings.ToLower(header.Filename[idx+1:])
	}
	if !registry.IsSupportedFormat(format) {
		Error(c, http.StatusBadRequest, fmt.Errorf("unsupported image format: %s", format))
		return
	}

	t0 := time.Now()
	styled, outFormat, err := a.R.Stylize(model, image.Bytes())
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	elapsed := time.Since(t0)

	c.Header("X-Stylize-Elapsed-Ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
	c.Data(http.StatusOK, "image/"+outFormat, styled)
}

// CreateModel fine-tunes a new model from the latest style image uploaded
// for it. Training hyperparameters can be adjusted through query
// parameters.
func (a *APIs) CreateModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("empty model name"))
		return
	}

	desc := c.Query("desc")
	opts, err := optionsFromQuery(c)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	styleImage, err := a.M.StyleImagePath(model)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	if res, err := a.R.CreateModel(model, styleImage, desc, opts); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.JSON(http.StatusOK, res)
	}
}

// optionsFromQuery starts from the default options and overrides them with
// the query parameters present.
func optionsFromQuery(c *gin.Context) (stylizer.Options, error) {
	opts := stylizer.DefaultOptions()

	if epochs := c.Query("epochs"); epochs != "" {
		n, err := strconv.Atoi(epochs)
		if err != nil {
			return opts, fmt.Errorf("invalid epochs: %s", epochs)
		}
		opts.HParams.Epochs = n
	}
	if batch := c.Query("batch"); batch != "" {
		n, err := strconv.Atoi(batch)
		if err != nil {
			return opts, fmt.Errorf("invalid batch: %s", batch)
		}
		opts.HParams.BatchSize = n
	}
	if lr := c.Query("lr"); lr != "" {
		v, err := strconv.ParseFloat(lr, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid lr: %s", lr)
		}
		opts.HParams.LearningRate = v
	}
	if alpha := c.Query("alpha"); alpha != "" {
		v, err := strconv.ParseFloat(alpha, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid alpha: %s", alpha)
		}
		opts.ModelOptions.Alpha = v
	}
	if layers := c.Query("swaplayers"); layers != "" {
		var swapLayers []int
		for _, s := range strings.Split(layers, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return opts, fmt.Errorf("invalid swaplayers: %s", layers)
			}
			swapLayers = append(swapLayers, n)
		}
		opts.ModelOptions.SwapLayers = swapLayers
	}

	return opts, opts.Validate()
}

// DeleteModel removes a model.
func (a *APIs) DeleteModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("empty model name"))
		return
	}

	if err := a.R.DeleteModel(model); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.String(http.StatusOK, "OK")
	}
}

// ExportModel packages a model into a bundle. With `download` set the
// bundle itself is returned, otherwise its path.
func (a *APIs) ExportModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("empty model name"))
		return
	}

	bundlePath, err := a.R.ExportModel(model, c.Query("dst"))
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}

	if _, download := c.GetQuery("download"); download {
		c.FileAttachment(bundlePath, stylizer.BundleName)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":  model,
		"bundle": bundlePath,
	})
}

// UploadImages stores uploaded style or test images for a model.
func (a *APIs) UploadImages(c *gin.Context) {
	var (
		model    string
		category string
	)
	if model = c.Query("model"); model == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `model`"))
		return
	}
	if category = c.Query("category"); category == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `category`"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	images := form.File["images[]"]
	_, verbose := c.GetQuery("verbose")

	if result, err := a.M.SaveImages(model, category, images, c.SaveUploadedFile, verbose); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// DeleteImages removes uploaded images.
func (a *APIs) DeleteImages(c *gin.Context) {
	model := c.Query("model")
	category := c.Query("category")
	fileName := c.Query("filename")
	orgFileName := c.Query("orgfilename")
	_, verbose := c.GetQuery("verbose")

	if result, err := a.M.DeleteImages(model, category, fileName, orgFileName, verbose); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// ListImages returns the uploaded image records.
func (a *APIs) ListImages(c *gin.Context) {
	model := c.Query("model")
	category := c.Query("category")

	if result, err := a.M.ListImages(model, category); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// HTTPError is the error response body.
type HTTPError struct {
	Error string `json:"error"`
}

// Error writes a json error response.
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
