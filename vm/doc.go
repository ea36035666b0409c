// Package vm implements a small Java-class virtual machine.
//
// This package contains:
//   - Constant pool and class file metadata (ClassFile, MethodInfo)
//   - Class loading, linking and initialisation (Runtime, ClassData)
//   - Per-class field layouts and field storage (FieldsData)
//   - Bytecode interpreter with frames and exceptions (Execution)
//   - Reentrant monitors for synchronized code (Monitor)
//   - Mark-sweep garbage collection under one runtime lock
//   - A debugger with a compact byte protocol (Debugger)
package vm
