// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理节点清单表 fleet_nodes 的 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

各方言的 SQL 文件通过 embed.FS 内嵌。Migrator 复用 internal/database
打开的连接，golang-migrate 的日志转发到 zap。Run 实现
`fleetrpc migrate up|down|force|version|status` 的分派与输出。
*/
package migration
