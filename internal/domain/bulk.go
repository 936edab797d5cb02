package domain

import (
	"errors"
	"fmt"
)

// BulkFailure неуспешный элемент массовой операции
type BulkFailure struct {
	Ref     VersionRef `json:"ref"`
	Kind    ErrorKind  `json:"kind"`
	Message string     `json:"error"`
	Err     error      `json:"-"`
}

// BulkResult итог операции над проектом или владельцем.
// Операция не атомарна: успешные элементы не откатываются.
type BulkResult struct {
	Succeeded []VersionRef  `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

func NewBulkResult() *BulkResult {
	return &BulkResult{
		Succeeded: []VersionRef{},
		Failed:    []BulkFailure{},
	}
}

// Add учитывает результат обработки одной версии
func (r *BulkResult) Add(ref VersionRef, err error) {
	if err == nil {
		r.Succeeded = append(r.Succeeded, ref)
		return
	}
	r.Failed = append(r.Failed, BulkFailure{
		Ref:     ref,
		Kind:    KindOf(err),
		Message: err.Error(),
		Err:     err,
	})
}

// Total количество обработанных версий
func (r *BulkResult) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Err объединяет ошибки всех неуспешных элементов, nil если их нет
func (r *BulkResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Ref, f.Err))
	}
	return errors.Join(errs...)
}
