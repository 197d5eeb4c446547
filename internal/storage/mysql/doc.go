// Package mysql 保存插件加载日志：内存环形实现用于默认部署，
// SQL 实现基于 go-sql-driver/mysql 并通过内嵌迁移建表。
package mysql
