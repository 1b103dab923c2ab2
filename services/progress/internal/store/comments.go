package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Host data formats for progress kept as comments.
const (
	commentTypeCourse = "sensei_course_status"
	commentTypeLesson = "sensei_lesson_status"
	commentAgent      = "lms-progress"
	metaStart         = "start"
	legacyTimeLayout  = "2006-01-02 15:04:05"
)

// legacyComment maps the subset of <prefix>comments the progress rows use.
// Author and content are written as empty strings: the host declares them NOT NULL without defaults.
type legacyComment struct {
	ID       int64     `gorm:"column:comment_ID;primaryKey;autoIncrement"`
	PostID   int64     `gorm:"column:comment_post_ID;not null;index:idx_progress_lookup,priority:1"`
	UserID   int64     `gorm:"column:user_id;not null;index:idx_progress_lookup,priority:2"`
	Type     string    `gorm:"column:comment_type;size:20;not null;index:idx_progress_lookup,priority:3"`
	Approved string    `gorm:"column:comment_approved;size:20;not null"`
	Author   string    `gorm:"column:comment_author;type:text;not null"`
	Content  string    `gorm:"column:comment_content;type:text;not null"`
	Agent    string    `gorm:"column:comment_agent;size:255;not null"`
	Date     time.Time `gorm:"column:comment_date;not null"`
	DateGMT  time.Time `gorm:"column:comment_date_gmt;not null"`
}

type legacyCommentMeta struct {
	ID        int64  `gorm:"column:meta_id;primaryKey;autoIncrement"`
	CommentID int64  `gorm:"column:comment_id;not null;index:idx_commentmeta_comment_id"`
	Key       string `gorm:"column:meta_key;size:255"`
	Value     string `gorm:"column:meta_value;type:text"`
}

// CommentsRepository stores progress as activity comments in the host tables,
// with the status in comment_approved and the start time in commentmeta.
// Timestamps are kept at second precision.
type CommentsRepository struct {
	db          *gorm.DB
	kind        Kind
	commentType string
	comments    string
	meta        string
}

// NewCommentsRepository binds a repository to kind using tables named with prefix (e.g. "wp_").
func NewCommentsRepository(db *gorm.DB, kind Kind, prefix string) *CommentsRepository {
	ct := commentTypeCourse
	if kind == KindLesson {
		ct = commentTypeLesson
	}
	return &CommentsRepository{
		db:          db,
		kind:        kind,
		commentType: ct,
		comments:    prefix + "comments",
		meta:        prefix + "commentmeta",
	}
}

// EnsureCommentsSchema creates the comment tables. The host owns these tables in
// production; this exists for sqlite development databases and tests.
func EnsureCommentsSchema(db *gorm.DB, prefix string) error {
	if err := db.Table(prefix + "comments").AutoMigrate(&legacyComment{}); err != nil {
		return err
	}
	return db.Table(prefix + "commentmeta").AutoMigrate(&legacyCommentMeta{})
}

func (r *CommentsRepository) Get(ctx context.Context, learnerID, contentID int64) (ProgressRecord, bool, error) {
	tx := r.db.WithContext(ctx)
	c, found, err := r.latest(tx, learnerID, contentID)
	if err != nil {
		return ProgressRecord{}, false, storageErr(BackendComments, "get", err)
	}
	if !found {
		return ProgressRecord{}, false, nil
	}
	start, err := r.startMeta(tx, c.ID)
	if err != nil {
		return ProgressRecord{}, false, storageErr(BackendComments, "get", err)
	}
	return r.toRecord(c, start), true, nil
}

func (r *CommentsRepository) Save(ctx context.Context, rec ProgressRecord) (ProgressRecord, error) {
	date := time.Now().UTC()
	if rec.Status.Finished() && rec.CompletedAt != nil {
		date = rec.CompletedAt.UTC()
	}
	date = date.Truncate(time.Second)

	var start string
	if rec.StartedAt != nil {
		start = rec.StartedAt.UTC().Format(legacyTimeLayout)
	}

	var saved legacyComment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, found, err := r.latest(tx, rec.LearnerID, rec.ContentID)
		if err != nil {
			return err
		}
		if found {
			err = tx.Table(r.comments).
				Where("comment_ID = ?", c.ID).
				Updates(map[string]any{
					"comment_approved": string(rec.Status),
					"comment_date":     date,
					"comment_date_gmt": date,
				}).Error
			if err != nil {
				return err
			}
			c.Approved = string(rec.Status)
			c.Date, c.DateGMT = date, date
		} else {
			c = legacyComment{
				PostID:   rec.ContentID,
				UserID:   rec.LearnerID,
				Type:     r.commentType,
				Approved: string(rec.Status),
				Agent:    commentAgent,
				Date:     date,
				DateGMT:  date,
			}
			if err := tx.Table(r.comments).Create(&c).Error; err != nil {
				return err
			}
		}
		saved = c
		return r.writeStartMeta(tx, c.ID, start)
	})
	if err != nil {
		return ProgressRecord{}, storageErr(BackendComments, "save", err)
	}
	return r.toRecord(saved, start), nil
}

func (r *CommentsRepository) Delete(ctx context.Context, learnerID, contentID int64) error {
	return r.deleteWhere(ctx, "delete",
		"comment_post_ID = ? AND user_id = ? AND comment_type = ?", contentID, learnerID, r.commentType)
}

func (r *CommentsRepository) DeleteForContent(ctx context.Context, contentID int64) error {
	return r.deleteWhere(ctx, "delete_for_content",
		"comment_post_ID = ? AND comment_type = ?", contentID, r.commentType)
}

func (r *CommentsRepository) DeleteForLearner(ctx context.Context, learnerID int64) error {
	return r.deleteWhere(ctx, "delete_for_learner",
		"user_id = ? AND comment_type = ?", learnerID, r.commentType)
}

// List returns up to limit progress comments with comment_ID > afterID, oldest first.
// A comment superseded by a newer one for the same pair is left out, so every
// listed record is the one Get would return.
func (r *CommentsRepository) List(ctx context.Context, afterID int64, limit int) ([]ProgressRecord, error) {
	tx := r.db.WithContext(ctx)

	var rows []legacyComment
	err := tx.Table(r.comments+" AS c").
		Select("c.*").
		Where("c.comment_type = ? AND c.comment_ID > ?", r.commentType, afterID).
		Where("NOT EXISTS (SELECT 1 FROM "+r.comments+" n"+
			" WHERE n.comment_post_ID = c.comment_post_ID AND n.user_id = c.user_id"+
			" AND n.comment_type = c.comment_type AND n.comment_ID > c.comment_ID)").
		Order("c.comment_ID ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageErr(BackendComments, "list", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(rows))
	for i, c := range rows {
		ids[i] = c.ID
	}
	var metas []legacyCommentMeta
	err = tx.Table(r.meta).
		Where("comment_id IN ? AND meta_key = ?", ids, metaStart).
		Order("meta_id ASC").
		Find(&metas).Error
	if err != nil {
		return nil, storageErr(BackendComments, "list", err)
	}
	starts := make(map[int64]string, len(metas))
	for _, m := range metas {
		starts[m.CommentID] = m.Value
	}

	out := make([]ProgressRecord, len(rows))
	for i, c := range rows {
		out[i] = r.toRecord(c, starts[c.ID])
	}
	return out, nil
}

func (r *CommentsRepository) deleteWhere(ctx context.Context, op, query string, args ...any) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Table(r.comments).Where(query, args...).Pluck("comment_ID", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Table(r.meta).Where("comment_id IN ?", ids).Delete(&legacyCommentMeta{}).Error; err != nil {
			return err
		}
		return tx.Table(r.comments).Where("comment_ID IN ?", ids).Delete(&legacyComment{}).Error
	})
	if err != nil {
		return storageErr(BackendComments, op, err)
	}
	return nil
}

// latest returns the newest progress comment for the pair; older duplicates are ignored.
func (r *CommentsRepository) latest(tx *gorm.DB, learnerID, contentID int64) (legacyComment, bool, error) {
	var c legacyComment
	err := tx.Table(r.comments).
		Where("comment_post_ID = ? AND user_id = ? AND comment_type = ?", contentID, learnerID, r.commentType).
		Order("comment_ID DESC").
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return legacyComment{}, false, nil
	}
	if err != nil {
		return legacyComment{}, false, err
	}
	return c, true, nil
}

func (r *CommentsRepository) startMeta(tx *gorm.DB, commentID int64) (string, error) {
	var m legacyCommentMeta
	err := tx.Table(r.meta).
		Where("comment_id = ? AND meta_key = ?", commentID, metaStart).
		Order("meta_id DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

// writeStartMeta sets or clears the start meta for a comment.
func (r *CommentsRepository) writeStartMeta(tx *gorm.DB, commentID int64, start string) error {
	if start == "" {
		return tx.Table(r.meta).
			Where("comment_id = ? AND meta_key = ?", commentID, metaStart).
			Delete(&legacyCommentMeta{}).Error
	}
	var m legacyCommentMeta
	err := tx.Table(r.meta).
		Where("comment_id = ? AND meta_key = ?", commentID, metaStart).
		Order("meta_id DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Table(r.meta).Create(&legacyCommentMeta{CommentID: commentID, Key: metaStart, Value: start}).Error
	}
	if err != nil {
		return err
	}
	// MySQL reports zero affected rows for an unchanged value, so match on the id we just read.
	return tx.Table(r.meta).Where("meta_id = ?", m.ID).Update("meta_value", start).Error
}

func (r *CommentsRepository) toRecord(c legacyComment, start string) ProgressRecord {
	rec := ProgressRecord{
		ID:        c.ID,
		Kind:      r.kind,
		LearnerID: c.UserID,
		ContentID: c.PostID,
		Status:    Status(c.Approved),
		UpdatedAt: c.DateGMT.UTC(),
	}
	if start != "" {
		if t, err := time.ParseInLocation(legacyTimeLayout, start, time.UTC); err == nil {
			rec.StartedAt = &t
		}
	}
	if rec.Status.Finished() {
		rec.CompletedAt = timePtr(c.DateGMT.UTC())
	}
	return rec
}
