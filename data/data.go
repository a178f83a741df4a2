package data

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/constants"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/data/db"
)

const (
	tableName  string = "image_tab"
	driverName string = "mysql"
	connInfo   string = "user1:password1@tcp(db:3306)/style_image_db?parseTime=true"
)

// Manager keeps track of uploaded style and test images: files on disk
// under the images path, records in the db.
type Manager struct {
	Conn *db.DBconn
}

type saveFunc func(*multipart.FileHeader, string) error

func saveImage(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)

	return err
}

// ValidCategory reports whether category is one of the accepted image
// categories.
func ValidCategory(category string) bool {
	return category == constants.CategoryStyle || category == constants.CategoryTest
}

// SaveImages stores the uploaded images under the model/category directory
// and records each one in the db. Per-image failures are counted, and
// reported individually with verbose set.
func (dm *Manager) SaveImages(model, category string, images []*multipart.FileHeader, f saveFunc, verbose bool) (interface{}, error) {
	if !ValidCategory(category) {
		return nil, fmt.Errorf("invalid image category: %s", category)
	}

	fileDir := path.Join(constants.ImagesPath, model, category)
	if err := os.MkdirAll(fileDir, os.ModePerm); err != nil {
		return nil, err
	}

	if f == nil {
		f = saveImage
	}

	var (
		total      int64
		successful int64
		failed     int64
		items      []db.Item
		errors     []map[string]interface{}
	)
	for _, image := range images {
		total++

		orgFileName := image.Filename
		fileName := fmt.Sprintf("%s-%s", uuid.New().String()[:8], orgFileName)
		fileFormat := ""
		if idx := strings.LastIndex(orgFileName, "."); idx >= 0 {
			fileFormat = strings.ToLower(orgFileName[idx+1:])
		}
		filePath := path.Join(fileDir, fileName)

		item := db.Item{
			Model:       model,
			Category:    category,
			OrgFilename: orgFileName,
			Filename:    fileName,
			FileFormat:  fileFormat,
			FilePath:    filePath,
			CreateAt:    time.Now(),
		}

		if err := dm.Conn.Insert(item); err != nil {
			if verbose {
				errors = append(errors, map[string]interface{}{
					"orgfilename": orgFileName,
					"filename":    fileName,
					"error":       err.Error(),
				})
			}

			failed++
			continue
		}

		if err := f(image, filePath); err != nil {
			if verbose {
				errors = append(errors, map[string]interface{}{
					"orgfilename": orgFileName,
					"filename":    fileName,
					"error":       err.Error(),
				})
			}

			if _, err := dm.Conn.Delete(item); err != nil {
				log.Print(err)
			}

			failed++
			continue
		}

		if verbose {
			items = append(items, item)
		}
		successful++
	}

	infos := map[string]int64{
		"total":      total,
		"successful": successful,
		"failed":     failed,
	}

	result := make(map[string]interface{})
	result["infos"] = infos

	if verbose {
		result["images"] = items
		result["errors"] = errors
	}

	return result, nil
}

// DeleteImages removes the matching image files and their db records.
func (dm *Manager) DeleteImages(model, category, fileName, orgFileName string, verbose bool) (interface{}, error) {
	param := db.Item{
		Model:       model,
		Category:    category,
		Filename:    fileName,
		OrgFilename: orgFileName,
	}

	getInfos, items, err := dm.Conn.Get(param)
	if err != nil {
		return nil, err
	}

	if getInfos["total"] != getInfos["successful"] {
		return nil, fmt.Errorf(
			"fail to read images %d of %d",
			getInfos["failed"],
			getInfos["total"],
		)
	}

	errors := make([]map[string]interface{}, 0)
	// Keep the model/category set around to drop emptied directories.
	mcMap := make(map[string]map[string]int)
	for _, item := range items {
		if err := os.Remove(item.FilePath); err != nil {
			if verbose {
				errors = append(errors, map[string]interface{}{
					"orgfilename": item.OrgFilename,
					"filename":    item.Filename,
					"error":       err.Error(),
				})
			}
		} else {
			if _, ok := mcMap[item.Model]; !ok {
				mcMap[item.Model] = make(map[string]int)
			}
			mcMap[item.Model][item.Category]++
		}
	}

	deleted, err := dm.Conn.Delete(param)
	if err != nil {
		return nil, err
	}

	for model := range mcMap {
		for category := range mcMap[model] {
			categoryDir := path.Join(constants.ImagesPath, model, category)
			// "directory not empty" errors are ignored.
			os.Remove(categoryDir)
		}

		modelDir := path.Join(constants.ImagesPath, model)
		// "directory not empty" errors are ignored.
		os.Remove(modelDir)
	}

	infos := map[string]interface{}{
		"total":      getInfos["total"],
		"successful": deleted,
		"failed":     getInfos["total"] - deleted,
	}

	result := make(map[string]interface{})
	result["infos"] = infos

	if verbose {
		result["images"] = items
		result["errors"] = errors
	}

	return result, nil
}

// ListImages returns the matching image records.
func (dm *Manager) ListImages(model, category string) (interface{}, error) {
	param := db.Item{
		Model:    model,
		Category: category,
	}

	infos, items, err := dm.Conn.Get(param)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"infos":  infos,
		"images": items,
	}

	return result, nil
}

// StyleImagePath returns the on-disk path of the latest style image
// uploaded for the model, for feeding into training.
func (dm *Manager) StyleImagePath(model string) (string, error) {
	param := db.Item{
		Model:    model,
		Category: constants.CategoryStyle,
	}

	_, items, err := dm.Conn.Get(param)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no style image for model: %s", model)
	}

	latest := items[0]
	for _, item := range items[1:] {
		if item.CreateAt.After(latest.CreateAt) {
			latest = item
		}
	}
	return latest.FilePath, nil
}

// Destroy releases the data manager.
func (dm *Manager) Destroy() {
	if err := dm.Conn.Destroy(); err != nil {
		log.Printf("DB %s close failed: %s", dm.Conn.TableName, err)
	} else {
		log.Printf("DB %s successfully closed", dm.Conn.TableName)
	}
}

// New creates the data manager and its db connection.
func New() (*Manager, error) {
	conn, err := db.New(db.Config{
		DriverName: driverName,
		ConnInfo:   connInfo,
		TableName:  tableName,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("DB %s successfully initialized", tableName)

	dm := &Manager{
		Conn: conn,
	}

	return dm, nil
}
