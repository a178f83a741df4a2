package constants

const (
	DefaultModelName string = "default"

	ModelsPath     string = "/style/models"
	ImagesPath     string = "/style/images"
	BaseModelsPath string = "/style/basemodels"

	// Image categories tracked by the data manager.
	CategoryStyle string = "style"
	CategoryTest  string = "test"

	TrainEpochs int = 100
)
