// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package kernelmock is a hand-maintained mock of kernel.Adapter, kept in
// the shape mockgen would generate (see github.com/golang/mock), so that
// internal/dispatcher and internal/tracer can be exercised without a real
// kernel.
package kernelmock

import (
	"reflect"

	"github.com/golang/mock/gomock"

	"github.com/hharvey/forktrace/internal/kernel"
)

// MockAdapter is a mock of the kernel.Adapter interface.
type MockAdapter struct {
	ctrl     *gomock.Controller
	recorder *MockAdapterMockRecorder
}

// MockAdapterMockRecorder is the mock recorder for MockAdapter.
type MockAdapterMockRecorder struct {
	mock *MockAdapter
}

// NewMockAdapter creates a new mock instance.
func NewMockAdapter(ctrl *gomock.Controller) *MockAdapter {
	mock := &MockAdapter{ctrl: ctrl}
	mock.recorder = &MockAdapterMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockAdapter) EXPECT() *MockAdapterMockRecorder {
	return m.recorder
}

func (m *MockAdapter) AttachSeize(pid int, opts kernel.Options) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AttachSeize", pid, opts)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) AttachSeize(pid, opts interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AttachSeize", reflect.TypeOf((*MockAdapter)(nil).AttachSeize), pid, opts)
}

func (m *MockAdapter) Cont(pid, sig int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Cont", pid, sig)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) Cont(pid, sig interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Cont", reflect.TypeOf((*MockAdapter)(nil).Cont), pid, sig)
}

func (m *MockAdapter) ContSyscall(pid, sig int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ContSyscall", pid, sig)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) ContSyscall(pid, sig interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ContSyscall", reflect.TypeOf((*MockAdapter)(nil).ContSyscall), pid, sig)
}

func (m *MockAdapter) SingleStep(pid, sig int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SingleStep", pid, sig)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) SingleStep(pid, sig interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SingleStep", reflect.TypeOf((*MockAdapter)(nil).SingleStep), pid, sig)
}

func (m *MockAdapter) Listen(pid int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Listen", pid)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) Listen(pid interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Listen", reflect.TypeOf((*MockAdapter)(nil).Listen), pid)
}

func (m *MockAdapter) GetRegs(pid int) (*kernel.Regs, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetRegs", pid)
	ret0, _ := ret[0].(*kernel.Regs)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAdapterMockRecorder) GetRegs(pid interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetRegs", reflect.TypeOf((*MockAdapter)(nil).GetRegs), pid)
}

func (m *MockAdapter) SetRegs(pid int, regs *kernel.Regs) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetRegs", pid, regs)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) SetRegs(pid, regs interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetRegs", reflect.TypeOf((*MockAdapter)(nil).SetRegs), pid, regs)
}

func (m *MockAdapter) ReadCString(pid int, addr uintptr) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ReadCString", pid, addr)
	ret0, _ := ret[0].(string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAdapterMockRecorder) ReadCString(pid, addr interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ReadCString", reflect.TypeOf((*MockAdapter)(nil).ReadCString), pid, addr)
}

func (m *MockAdapter) ReadArgv(pid int, addr uintptr) ([]string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ReadArgv", pid, addr)
	ret0, _ := ret[0].([]string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAdapterMockRecorder) ReadArgv(pid, addr interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ReadArgv", reflect.TypeOf((*MockAdapter)(nil).ReadArgv), pid, addr)
}

func (m *MockAdapter) WriteInt32(pid int, addr uintptr, val int32) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "WriteInt32", pid, addr, val)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) WriteInt32(pid, addr, val interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "WriteInt32", reflect.TypeOf((*MockAdapter)(nil).WriteInt32), pid, addr, val)
}

func (m *MockAdapter) GetEventMsg(pid int) (uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetEventMsg", pid)
	ret0, _ := ret[0].(uint64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAdapterMockRecorder) GetEventMsg(pid interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetEventMsg", reflect.TypeOf((*MockAdapter)(nil).GetEventMsg), pid)
}

func (m *MockAdapter) Detach(pid int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Detach", pid)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) Detach(pid interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Detach", reflect.TypeOf((*MockAdapter)(nil).Detach), pid)
}

func (m *MockAdapter) Kill(pid int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Kill", pid)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAdapterMockRecorder) Kill(pid interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Kill", reflect.TypeOf((*MockAdapter)(nil).Kill), pid)
}

func (m *MockAdapter) Wait() (kernel.WaitResult, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Wait")
	ret0, _ := ret[0].(kernel.WaitResult)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAdapterMockRecorder) Wait() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Wait", reflect.TypeOf((*MockAdapter)(nil).Wait))
}

func (m *MockAdapter) Interrupt() {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "Interrupt")
}

func (mr *MockAdapterMockRecorder) Interrupt() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Interrupt", reflect.TypeOf((*MockAdapter)(nil).Interrupt))
}

var _ kernel.Adapter = (*MockAdapter)(nil)
