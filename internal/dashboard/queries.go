package dashboard

import (
	"fmt"

	"github.com/zulandar/chatferry/internal/models"
	"gorm.io/gorm"
)

// listRuns returns recent runs, newest first, optionally filtered by status.
func listRuns(db *gorm.DB, status string, limit int) ([]models.CloneRun, error) {
	q := db.Order("id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var runs []models.CloneRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// getRun fetches one run by id.
func getRun(db *gorm.DB, id uint) (*models.CloneRun, error) {
	var run models.CloneRun
	if err := db.First(&run, id).Error; err != nil {
		return nil, fmt.Errorf("run %d: %w", id, err)
	}
	return &run, nil
}
