package vm

// ---------------------------------------------------------------------------
// Bootstrap classes
// ---------------------------------------------------------------------------

// bootstrapClasses synthesizes the classes the interpreter itself relies
// on. A class path or in-memory source with the same name wins.
var bootstrapClasses = map[string]func() []byte{
	ClassObject:    buildObject,
	ClassString:    buildString,
	ClassClass:     buildClass,
	ClassSystem:    buildSystem,
	ClassThrowable: buildThrowable,
}

// throwableHierarchy lists the exception classes raised by the VM, each
// with its super class.
var throwableHierarchy = [][2]string{
	{"java/lang/Exception", ClassThrowable},
	{ClassError, ClassThrowable},
	{"java/lang/RuntimeException", "java/lang/Exception"},
	{ClassCloneNotSupported, "java/lang/Exception"},
	{"java/lang/InterruptedException", "java/lang/Exception"},
	{"java/lang/ReflectiveOperationException", "java/lang/Exception"},
	{ClassClassNotFound, "java/lang/ReflectiveOperationException"},
	{ClassArithmetic, "java/lang/RuntimeException"},
	{ClassNullPointer, "java/lang/RuntimeException"},
	{ClassClassCast, "java/lang/RuntimeException"},
	{ClassNegativeArraySize, "java/lang/RuntimeException"},
	{ClassIllegalMonitorState, "java/lang/RuntimeException"},
	{ClassUnsupportedOperation, "java/lang/RuntimeException"},
	{ClassArrayStore, "java/lang/RuntimeException"},
	{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
	{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"},
	{ClassArrayIndexOutOfBounds, "java/lang/IndexOutOfBoundsException"},
	{"java/lang/LinkageError", "java/lang/Error"},
	{ClassNoClassDefFound, "java/lang/LinkageError"},
	{ClassUnsatisfiedLink, "java/lang/LinkageError"},
	{ClassExceptionInInitializer, "java/lang/LinkageError"},
	{ClassIncompatibleClassChange, "java/lang/LinkageError"},
	{ClassNoSuchField, ClassIncompatibleClassChange},
	{ClassNoSuchMethod, ClassIncompatibleClassChange},
	{ClassAbstractMethod, ClassIncompatibleClassChange},
	{ClassInstantiation, ClassIncompatibleClassChange},
	{"java/lang/VirtualMachineError", "java/lang/Error"},
	{ClassOutOfMemory, "java/lang/VirtualMachineError"},
	{ClassStackOverflow, "java/lang/VirtualMachineError"},
	{"java/lang/InternalError", "java/lang/VirtualMachineError"},
}

func init() {
	for _, name := range []string{"java/lang/Cloneable", "java/io/Serializable"} {
		bootstrapClasses[name] = func() []byte { return buildInterface(name) }
	}
	for _, pair := range throwableHierarchy {
		name, super := pair[0], pair[1]
		bootstrapClasses[name] = func() []byte { return buildThrowableSubclass(name, super) }
	}
}

func emptyConstructor(b *ClassBuilder, super string) {
	c := b.Method(AccPublic, "<init>", "()V")
	if super != "" {
		c.Op(OpAload0).U2(OpInvokespecial, b.MethodRef(super, "<init>", "()V"))
	}
	c.Op(OpReturn)
}

func buildObject() []byte {
	b := NewClassBuilder(ClassObject, "")
	emptyConstructor(b, "")
	b.AbstractMethod(AccPublic|AccNative, "getClass", "()Ljava/lang/Class;")
	b.AbstractMethod(AccPublic|AccNative, "hashCode", "()I")
	b.AbstractMethod(AccPublic|AccNative, "clone", "()Ljava/lang/Object;")

	c := b.Method(AccPublic, "equals", "(Ljava/lang/Object;)Z")
	ne := c.NewLabel()
	c.Op(OpAload0).Op(OpAload1).Branch(OpIfAcmpne, ne)
	c.Op(OpIconst1).Op(OpIreturn)
	c.Mark(ne).Op(OpIconst0).Op(OpIreturn)
	return b.Bytes()
}

func buildString() []byte {
	b := NewClassBuilder(ClassString, ClassObject)
	b.SetFlags(AccPublic | AccFinal | AccSuper)
	b.Field(AccPrivate|AccFinal, "value", "[B")
	b.Field(AccPrivate|AccFinal, "coder", "B")
	emptyConstructor(b, ClassObject)
	b.AbstractMethod(AccPublic|AccNative, "length", "()I")
	b.AbstractMethod(AccPublic|AccNative, "equals", "(Ljava/lang/Object;)Z")
	b.AbstractMethod(AccPublic|AccNative, "hashCode", "()I")
	c := b.Method(AccPublic, "toString", "()Ljava/lang/String;")
	c.Op(OpAload0).Op(OpAreturn)
	return b.Bytes()
}

func buildClass() []byte {
	b := NewClassBuilder(ClassClass, ClassObject)
	b.SetFlags(AccPublic | AccFinal | AccSuper)
	b.Field(AccPrivate, "name", "Ljava/lang/String;")
	emptyConstructor(b, ClassObject)
	b.AbstractMethod(AccPublic|AccStatic|AccNative, "forName", "(Ljava/lang/String;)Ljava/lang/Class;")
	b.AbstractMethod(AccPublic|AccNative, "getName", "()Ljava/lang/String;")
	b.AbstractMethod(AccPublic|AccNative, "isInstance", "(Ljava/lang/Object;)Z")
	b.AbstractMethod(AccPublic|AccNative, "isAssignableFrom", "(Ljava/lang/Class;)Z")
	b.AbstractMethod(AccPublic|AccNative, "isInterface", "()Z")
	b.AbstractMethod(AccPublic|AccNative, "isArray", "()Z")
	b.AbstractMethod(AccPublic|AccNative, "isPrimitive", "()Z")
	b.AbstractMethod(AccPublic|AccNative, "getSuperclass", "()Ljava/lang/Class;")
	b.AbstractMethod(AccPublic|AccNative, "getInterfaces", "()[Ljava/lang/Class;")
	b.AbstractMethod(AccPublic|AccNative, "getComponentType", "()Ljava/lang/Class;")
	b.AbstractMethod(AccPublic|AccNative, "getModifiers", "()I")
	return b.Bytes()
}

func buildSystem() []byte {
	b := NewClassBuilder(ClassSystem, ClassObject)
	b.SetFlags(AccPublic | AccFinal | AccSuper)
	b.AbstractMethod(AccPublic|AccStatic|AccNative, "identityHashCode", "(Ljava/lang/Object;)I")
	b.AbstractMethod(AccPublic|AccStatic|AccNative, "gc", "()V")
	return b.Bytes()
}

func buildInterface(name string) []byte {
	b := NewClassBuilder(name, ClassObject)
	b.SetFlags(AccPublic | AccInterface | AccAbstract)
	return b.Bytes()
}

func buildThrowable() []byte {
	b := NewClassBuilder(ClassThrowable, ClassObject)
	b.Implements("java/io/Serializable")
	b.Field(AccPrivate, "detailMessage", "Ljava/lang/String;")
	emptyConstructor(b, ClassObject)

	c := b.Method(AccPublic, "<init>", "(Ljava/lang/String;)V")
	c.Op(OpAload0).U2(OpInvokespecial, b.MethodRef(ClassObject, "<init>", "()V"))
	c.Op(OpAload0).Op(OpAload1).U2(OpPutfield, b.FieldRef(ClassThrowable, "detailMessage", "Ljava/lang/String;"))
	c.Op(OpReturn)

	g := b.Method(AccPublic, "getMessage", "()Ljava/lang/String;")
	g.Op(OpAload0).U2(OpGetfield, b.FieldRef(ClassThrowable, "detailMessage", "Ljava/lang/String;"))
	g.Op(OpAreturn)
	return b.Bytes()
}

func buildThrowableSubclass(name, super string) []byte {
	b := NewClassBuilder(name, super)
	emptyConstructor(b, super)
	c := b.Method(AccPublic, "<init>", "(Ljava/lang/String;)V")
	c.Op(OpAload0).Op(OpAload1).U2(OpInvokespecial, b.MethodRef(super, "<init>", "(Ljava/lang/String;)V"))
	c.Op(OpReturn)
	return b.Bytes()
}
