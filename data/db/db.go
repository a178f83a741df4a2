package db

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string
}

// DBconn holds an open connection to the image bookkeeping table.
type DBconn struct {
	DriverName string
	ConnInfo   string

	TableName string

	db *sql.DB
}

// Item is one uploaded image record: which model it belongs to, whether it
// is a style or a test image, and where the file landed on disk.
type Item struct {
	Model       string    `json:"model"`
	Category    string    `json:"category"`
	OrgFilename string    `json:"orgFilename"`
	Filename    string    `json:"filename"`
	FileFormat  string    `json:"format"`
	FilePath    string    `json:"path"`
	CreateAt    time.Time `json:"createAt"`
}

func (conn *DBconn) createTable() error {
	if _, err := conn.db.Exec(fmt.Sprintf(`CREATE TABLE %s (
		model CHAR(64) NOT NULL,
		category CHAR(20) NOT NULL,
		orgfilename CHAR(64) NOT NULL,
		filename CHAR(64) NOT NULL,
		format CHAR(10) NOT NULL,
		path VARCHAR(128) NOT NULL,
		createAt DATETIME NOT NULL);`, conn.TableName)); err != nil {
		return err
	}

	return nil
}

func (conn *DBconn) existsTable() bool {
	if _, err := conn.db.Query(fmt.Sprintf("SELECT * FROM %s;", conn.TableName)); err != nil {
		return false
	}

	return true
}

func (conn *DBconn) initTable() error {
	if !conn.existsTable() {
		log.Printf("Create DB table: %s", conn.TableName)
		return conn.createTable()
	}

	return nil
}

// where builds the WHERE clause for the non-empty fields of param.
func where(param Item) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if param.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, param.Model)
	}
	if param.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, param.Category)
	}
	if param.OrgFilename != "" {
		conds = append(conds, "orgfilename = ?")
		args = append(args, param.OrgFilename)
	}
	if param.Filename != "" {
		conds = append(conds, "filename = ?")
		args = append(args, param.Filename)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Insert records a new image item.
func (conn *DBconn) Insert(item Item) error {
	createAt := item.CreateAt.Format("2006-01-02 15:04:05")

	_, err := conn.db.Exec(fmt.Sprintf(`INSERT INTO %s (
		model,
		category,
		orgfilename,
		filename,
		format,
		path,
		createAt) value (?, ?, ?, ?, ?, ?, ?);`, conn.TableName),
		item.Model, item.Category, item.OrgFilename, item.Filename,
		item.FileFormat, item.FilePath, createAt,
	)

	return err
}

// Get returns the items matching the non-empty fields of param, along with
// read counts: scan failures are counted, not fatal.
func (conn *DBconn) Get(param Item) (map[string]int64, []Item, error) {
	clause, args := where(param)
	rows, err := conn.db.Query(fmt.Sprintf(`SELECT
		model,
		category,
		orgfilename,
		filename,
		format,
		path,
		createAt FROM %s%s;`, conn.TableName, clause), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		total      int64
		successful int64
		failed     int64
		items      []Item
	)
	for rows.Next() {
		total++

		var item Item
		if err := rows.Scan(
			&item.Model, &item.Category, &item.OrgFilename, &item.Filename,
			&item.FileFormat, &item.FilePath, &item.CreateAt,
		); err != nil {
			failed++
			continue
		}

		item.Model = strings.TrimSpace(item.Model)
		item.Category = strings.TrimSpace(item.Category)
		items = append(items, item)
		successful++
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	infos := map[string]int64{
		"total":      total,
		"successful": successful,
		"failed":     failed,
	}

	return infos, items, nil
}

// Delete removes the items matching the non-empty fields of param and
// returns the number of removed rows.
func (conn *DBconn) Delete(param Item) (int64, error) {
	clause, args := where(param)
	res, err := conn.db.Exec(
		fmt.Sprintf("DELETE FROM %s%s;", conn.TableName, clause), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// Destroy closes the db connection.
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// New opens the db connection and makes sure the table exists.
func New(cfg Config) (*DBconn, error) {
	db, err := sql.Open(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, err
	}

	conn := &DBconn{
		DriverName: cfg.DriverName,
		ConnInfo:   cfg.ConnInfo,
		TableName:  cfg.TableName,
		db:         db,
	}

	if err := conn.initTable(); err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}
