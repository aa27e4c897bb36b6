package heal

import "regexp"

// Category buckets a runtime failure for the healing prompt.
type Category string

const (
	CategoryModuleMissing Category = "module-missing"
	CategorySyntax        Category = "syntax"
	CategoryType          Category = "type"
	CategoryName          Category = "name"
	CategoryAttribute     Category = "attribute"
	CategoryKey           Category = "key"
	CategoryIndex         Category = "index"
	CategoryValue         Category = "value"
	CategoryFileMissing   Category = "file-missing"
	CategoryZeroDivision  Category = "zero-division"
	CategoryIndentation   Category = "indentation"
	CategoryImport        Category = "import"
	CategoryOther         Category = "other"
)

type classifierRule struct {
	pattern  *regexp.Regexp
	category Category
}

// Order matters: the specific rules must win over their generic cousins
// (ModuleNotFoundError before ImportError, IndentationError before
// SyntaxError).
var classifierRules = []classifierRule{
	{regexp.MustCompile(`ModuleNotFoundError|No module named`), CategoryModuleMissing},
	{regexp.MustCompile(`Cannot find module|MODULE_NOT_FOUND`), CategoryModuleMissing},
	{regexp.MustCompile(`cannot load such file`), CategoryModuleMissing},
	{regexp.MustCompile(`IndentationError|TabError`), CategoryIndentation},
	{regexp.MustCompile(`SyntaxError|Unexpected token|unexpected end|syntax error`), CategorySyntax},
	{regexp.MustCompile(`TypeError`), CategoryType},
	{regexp.MustCompile(`NameError|is not defined|undefined local variable`), CategoryName},
	{regexp.MustCompile(`AttributeError|undefined method`), CategoryAttribute},
	{regexp.MustCompile(`KeyError`), CategoryKey},
	{regexp.MustCompile(`IndexError|index out of range`), CategoryIndex},
	{regexp.MustCompile(`ValueError|invalid literal`), CategoryValue},
	{regexp.MustCompile(`FileNotFoundError|No such file or directory|ENOENT`), CategoryFileMissing},
	{regexp.MustCompile(`ZeroDivisionError|division by zero|divided by 0`), CategoryZeroDivision},
	{regexp.MustCompile(`ImportError`), CategoryImport},
}

// Classify maps captured stderr to an error category.
func Classify(stderr string) Category {
	for _, rule := range classifierRules {
		if rule.pattern.MatchString(stderr) {
			return rule.category
		}
	}
	return CategoryOther
}
