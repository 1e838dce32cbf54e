// Package database provides the crawl recorder models and repository
// backed by PostgreSQL through GORM.
package database

import "time"

// CrawlRun represents one execution of a crawl plan.
// Statuses: running, completed.
type CrawlRun struct {
	ID         uint      `gorm:"primaryKey"`
	PlanPages  int       `gorm:"not null"`                                    // declared task-list entries
	Status     string    `gorm:"type:varchar(32);not null;default:'running'"` // run status
	PagesOpen  int       `gorm:"column:pages_opened"`                         // pages opened over the run
	TaskErrors int       // failed tasks
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// PageVisit represents one settled page task within a run.
type PageVisit struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     uint      `gorm:"index;not null"`            // owning crawl run
	URL       string    `gorm:"type:text;not null"`        // resolved task URL
	Status    string    `gorm:"type:varchar(32);not null"` // completed or failed
	Error     string    `gorm:"type:text"`                 // terminal task error, if any
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// CapturedLink represents one deduplicated link-group entry.
type CapturedLink struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     uint      `gorm:"index;not null"`
	GroupName string    `gorm:"type:varchar(128);index;not null"` // link group
	URL       string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
