package log

import "go.uber.org/zap"

const (
	FieldNameModule     = "module"
	FieldNameComponent  = "component"
	FieldNameUID        = "uid"
	FieldNameDeviceType = "device_type"
	FieldNameRoom       = "room"
	FieldNameBucket     = "bucket"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldUID 返回用户 ID 字段。
func FieldUID(uid int64) zap.Field {
	return zap.Int64(FieldNameUID, uid)
}

// FieldDeviceType 返回终端类型字段。
func FieldDeviceType(t int16) zap.Field {
	return zap.Int16(FieldNameDeviceType, t)
}

// FieldRoom 返回房间 ID 字段。
func FieldRoom(room string) zap.Field {
	return zap.String(FieldNameRoom, room)
}

// FieldBucket 返回分桶下标字段。
func FieldBucket(index int) zap.Field {
	return zap.Int(FieldNameBucket, index)
}
