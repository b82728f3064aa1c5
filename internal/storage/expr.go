package storage

import "gorm.io/gorm/clause"

// gormExprIncr builds a `col = col + 1` update expression so the increment
// happens in the database, not in the application.
func gormExprIncr(column string) clause.Expr {
	return clause.Expr{SQL: column + " + ?", Vars: []interface{}{1}}
}
