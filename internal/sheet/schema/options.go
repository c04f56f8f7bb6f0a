package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Options maps a field name to the values allowed in its choice menu.
type Options map[string][]string

// FallbackOptions returns the hardcoded options used when no source answers.
func FallbackOptions() Options {
	return Options{
		"Фрезеровка":   {"Модерн", "Фрезеровка", "Черновой", "Выборка", "Краска"},
		"Оплата":       {"не оплачен", "в долг", "частично", "оплачен", "за счет фирмы"},
		"Статус":       {"Готов", "Выдан", "Распилен", "-"},
		"CAD файлы":    {"Отрисован", "-"},
		"Материал":     {"16мм", "18мм", "8мм", "10мм", "ЛДСП"},
		"Закуп пленки": {"Готов", "-"},
		"Распил":       {"Готов", "-"},
		"Шлифовка":     {"Готов", "-"},
		"Пленка":       {"Готов", "-"},
		"Упаковка":     {"Готов", "-"},
		"Выдан":        {"Готов", "-"},
	}
}

// Validate checks every entry has a name and at least one value.
func (o Options) Validate() error {
	for field, values := range o {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("option field name is required")
		}
		if len(values) == 0 {
			return fmt.Errorf("field %q has no allowed values", field)
		}
	}
	return nil
}

// Allowed reports whether value is a valid choice for field. Fields without
// options accept anything.
func (o Options) Allowed(field, value string) bool {
	values, ok := o[field]
	if !ok {
		return true
	}
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// FieldNames returns the option fields sorted by name.
func (o Options) FieldNames() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = append([]string(nil), v...)
	}
	return out
}
