package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldGroupID 返回一个包含群组 ID 的 zap 字段。
func FieldGroupID(id int64) zap.Field {
	return zap.Int64("groupId", id)
}

// FieldServerID 返回一个包含服务器 ID 的 zap 字段。
func FieldServerID(id int64) zap.Field {
	return zap.Int64("serverId", id)
}

// FieldInstanceID 返回一个包含账号连接实例 ID 的 zap 字段。
func FieldInstanceID(id int64) zap.Field {
	return zap.Int64("instanceId", id)
}
