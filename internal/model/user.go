package model

import "time"

// User 表示系统用户。
type User struct {
	ID        uint      `gorm:"primaryKey"`                    // 用户 ID
	Name      string    `gorm:"not null"`                      // 显示名称
	Email     string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一）
	Password  string    `gorm:"not null"`                      // bcrypt 哈希
	Role      string    `gorm:"type:varchar(16);default:user"` // 角色: user / admin
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间
}

// 角色常量。
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ValidRole 判断角色是否是系统认可的值。
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}
