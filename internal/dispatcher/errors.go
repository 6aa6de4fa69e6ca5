package dispatcher

import "errors"

// 命令失败分类：全部返回给发起方，注册表缺项不算错误
var (
	// ErrDeviceNotFound 注册表无此设备
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceOffline 表项存在但连接不可写
	ErrDeviceOffline = errors.New("device offline")
	// ErrSendFailed 写入连接同步失败
	ErrSendFailed = errors.New("send failed")
	// ErrCommandTimeout 超时窗口内未收到回执
	ErrCommandTimeout = errors.New("command timed out")
	// ErrCommandFailed 设备回执 status!=success
	ErrCommandFailed = errors.New("command failed")
	// ErrDeviceDisconnected 命令在途期间设备断开或被剔除
	ErrDeviceDisconnected = errors.New("device disconnected")
)
