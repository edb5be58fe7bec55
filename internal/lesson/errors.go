package lesson

import "errors"

var (
	ErrInvalidLesson   = errors.New("invalid lesson content")
	ErrLessonNotFound  = errors.New("lesson not found")
	ErrDuplicateLesson = errors.New("duplicate lesson id")
)
