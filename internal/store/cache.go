package store

import (
	"sync"

	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/session"
)

var _ session.Snapshot = (*Cache)(nil)

// Cache holds the latest snapshots delivered by a Store's feeds. Reads never
// touch the database and may lag a just-committed write.
type Cache struct {
	mu        sync.RWMutex
	exams     []model.Exam
	questions map[string][]model.Question
	records   []model.Record

	unsubscribe []func()
}

// NewCache primes a cache from the store's latest snapshots and keeps it
// current until Close.
func NewCache(s *Store) *Cache {
	c := &Cache{questions: make(map[string][]model.Question)}
	if exams, ok := s.exams.Latest(); ok {
		c.setExams(exams)
	}
	if qs, ok := s.questions.Latest(); ok {
		c.setQuestions(qs)
	}
	if recs, ok := s.records.Latest(); ok {
		c.setRecords(recs)
	}
	c.unsubscribe = []func(){
		s.SubscribeExams(c.setExams),
		s.SubscribeQuestions(c.setQuestions),
		s.SubscribeRecords(c.setRecords),
	}
	return c
}

// Close stops receiving snapshots.
func (c *Cache) Close() {
	for _, u := range c.unsubscribe {
		u()
	}
}

func (c *Cache) setExams(exams []model.Exam) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exams = exams
}

func (c *Cache) setQuestions(qs []model.Question) {
	byExam := make(map[string][]model.Question)
	for _, q := range qs {
		byExam[q.ExamID] = append(byExam[q.ExamID], q)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.questions = byExam
}

func (c *Cache) setRecords(recs []model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = recs
}

// ActiveExam returns the open exam, if any.
func (c *Cache) ActiveExam() (model.Exam, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.exams {
		if e.IsActive {
			return e, true
		}
	}
	return model.Exam{}, false
}

// Exam returns an exam by ID.
func (c *Cache) Exam(id string) (model.Exam, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.exams {
		if e.ID == id {
			return e, true
		}
	}
	return model.Exam{}, false
}

// Questions returns an exam's questions in position order.
func (c *Cache) Questions(examID string) []model.Question {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Question(nil), c.questions[examID]...)
}

// Records returns every record.
func (c *Cache) Records() []model.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Record(nil), c.records...)
}
