package database

import "gorm.io/gorm"

// CrawlRepository implements the scheduler's Recorder over GORM.
type CrawlRepository struct {
	db *gorm.DB
}

func NewCrawlRepository(db *gorm.DB) *CrawlRepository {
	return &CrawlRepository{db: db}
}

func (r *CrawlRepository) StartRun(pages int) (uint, error) {
	run := CrawlRun{PlanPages: pages, Status: "running"}
	if err := r.db.Create(&run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

func (r *CrawlRepository) RecordVisit(runID uint, url, status, errMsg string) error {
	return r.db.Create(&PageVisit{
		RunID:  runID,
		URL:    url,
		Status: status,
		Error:  errMsg,
	}).Error
}

func (r *CrawlRepository) RecordLink(runID uint, group, url string) error {
	return r.db.Create(&CapturedLink{
		RunID:     runID,
		GroupName: group,
		URL:       url,
	}).Error
}

func (r *CrawlRepository) FinishRun(runID uint, pagesOpened, taskErrors int) error {
	return r.db.Model(&CrawlRun{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":       "completed",
			"pages_opened": pagesOpened,
			"task_errors":  taskErrors,
		}).Error
}

// GetRun fetches one crawl run by id.
func (r *CrawlRepository) GetRun(id uint) (*CrawlRun, error) {
	var run CrawlRun
	if err := r.db.First(&run, id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent crawl runs.
func (r *CrawlRepository) ListRuns(limit, offset int) ([]CrawlRun, error) {
	var runs []CrawlRun
	if err := r.db.Order("id DESC").Limit(limit).Offset(offset).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ListVisits returns the page visits of one run in settlement order.
func (r *CrawlRepository) ListVisits(runID uint) ([]PageVisit, error) {
	var visits []PageVisit
	if err := r.db.Where("run_id = ?", runID).Order("id").Find(&visits).Error; err != nil {
		return nil, err
	}
	return visits, nil
}
