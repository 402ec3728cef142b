package model

import "time"

// 用户角色
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User 表示系统用户，核心模块只读取其邮箱与角色用于确定通知对象。
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"type:varchar(191);uniqueIndex;not null"`
	Email     string    `gorm:"type:varchar(191)"`
	Role      string    `gorm:"type:varchar(16);default:user"` // 角色: admin / user
	CreatedAt time.Time // 创建时间

	Items []TrackedItem `gorm:"foreignKey:UserID"`
}

// IsAdmin 判断用户是否为管理员。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
