package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/harrison-roh/face-stylization-with-transfer-learning/api"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/data"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/registry"
)

func main() {
	addr := flag.String("addr", ":18080", "Listen address")
	modelsPath := flag.String("models", "", "Path for stylizer models")
	baseModelDir := flag.String("basemodels", "", "Path for pretrained base bundles")
	flag.Parse()

	r, err := registry.New(registry.Config{
		ModelsPath:   *modelsPath,
		BaseModelDir: *baseModelDir,
	})
	if err != nil {
		log.Fatal(err)
	}

	m, err := data.New()
	if err != nil {
		log.Fatal(err)
	}

	router := gin.Default()
	router.MaxMultipartMemory = 8 << 20

	a := api.APIs{
		R: r,
		M: m,
	}

	stylizeGroup := router.Group("/stylize")
	{
		stylizeGroup.POST("", a.StylizeDefault)
		stylizeGroup.POST(":model", a.StylizeWithModel)
	}

	modelsGroup := router.Group("/models")
	{
		modelsGroup.GET("", a.ListModels)
		modelsGroup.GET(":model", a.ShowModel)
		modelsGroup.GET(":model/export", a.ExportModel)
		modelsGroup.POST(":model", a.CreateModel)
		modelsGroup.DELETE(":model", a.DeleteModel)
	}

	imagesGroup := router.Group("/images")
	{
		imagesGroup.GET("", a.ListImages)
		imagesGroup.POST("", a.UploadImages)
		imagesGroup.DELETE("", a.DeleteImages)
	}

	server := &http.Server{
		Addr:    *addr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Print("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %s", err)
	}

	r.Destroy()
	m.Destroy()
}
