// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 打开节点清单数据库（postgres、mysql、sqlite）并管理其连接池。

# 核心类型

  - Open / Dialector / DSN：按 config.DatabaseConfig 选择 GORM 驱动。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、Close。
    Run 按间隔探活并把连接数写入 metrics.Collector。
  - PoolConfig：最大空闲与打开连接数、连接生命周期、探活间隔。

SQL() 暴露底层连接，migrate 子命令用它复用同一连接执行 Schema 迁移。
*/
package database
